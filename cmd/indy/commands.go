package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/engine"
	"github.com/KevoDB/indy/pkg/replication"
	"github.com/KevoDB/indy/pkg/repo"
)

const defaultRepo = "default"

const helpText = `
Indy (indy) - A versioned key-value store over a block volume.

Usage:
  indy [options] [database_path]  - Start with an optional database path

Options:
  -serve string           - Serve file sync to peers on this address
  -tls, -cert, -key       - Serve with TLS

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open a database at PATH
  .close                  - Close the current database
  .exit                   - Exit the program
  .use NAME [fast]        - Switch to repo NAME, opening or creating it
  .stats                  - Show database statistics
  .flush                  - Flush memory layers and durable objects to disk
  .compact                - Run one compaction cycle
  .sync ADDR NAME GEN...  - Pull generations of repo NAME from a peer

  PUT key value           - Store a key-value pair
  GET key [@seq]          - Retrieve a value, optionally as of sequence seq
  DELETE key              - Delete a key
  SCAN [from to] [@seq]   - Scan live keys in [from, to); "-" is unbounded
  UPDATES from            - List every write with sequence >= from

  SAVE id ttl value       - Save a durable object; ttl like 30s, 0 for none
  LOAD id                 - Load a durable object
`

// session holds the REPL state between commands
type session struct {
	eng      *engine.Engine
	dbPath   string
	repo     *repo.Repo
	repoName string
	out      io.Writer
	open     func(path string) (*engine.Engine, error)
	dial     func(addr string) (grpc.ClientConnInterface, io.Closer, error)
}

func newSession(out io.Writer) *session {
	return &session{
		out:  out,
		open: engine.OpenDir,
		dial: func(addr string) (grpc.ClientConnInterface, io.Closer, error) {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, nil, err
			}
			return conn, conn, nil
		},
	}
}

func (s *session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) prompt() string {
	if s.eng == nil {
		return "indy> "
	}
	return fmt.Sprintf("indy:%s/%s> ", s.dbPath, s.repoName)
}

// openDB replaces the current database with the one at path and selects
// its default repo
func (s *session) openDB(path string) error {
	s.closeDB()
	eng, err := s.open(path)
	if err != nil {
		return err
	}
	s.eng, s.dbPath = eng, path
	if err := s.use(defaultRepo, repo.Safe); err != nil {
		s.closeDB()
		return err
	}
	return nil
}

func (s *session) closeDB() error {
	if s.eng == nil {
		return nil
	}
	err := s.eng.Close()
	s.eng, s.repo, s.dbPath, s.repoName = nil, nil, "", ""
	return err
}

// use selects the repo called name, opening or creating it
func (s *session) use(name string, kind repo.Kind) error {
	id := engine.RepoID(name)
	r, err := s.eng.Repo(id)
	if errors.Is(err, engine.ErrRepoNotOpen) {
		if kind == repo.Fast {
			r, err = s.eng.CreateRepo(id, repo.Fast)
		} else {
			r, err = s.eng.OpenOrCreateRepo(id)
		}
	}
	if err != nil {
		return err
	}
	s.repo, s.repoName = r, name
	return nil
}

// exec runs one command line and reports whether the REPL should exit
func (s *session) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return s.execDot(ctx, strings.ToLower(cmd), parts[1:])
	}
	if s.eng == nil {
		s.printf("Error: No database open\n")
		return false
	}

	var err error
	switch cmd {
	case "PUT":
		err = s.put(ctx, parts[1:])
	case "GET":
		err = s.get(ctx, parts[1:])
	case "DELETE":
		err = s.del(ctx, parts[1:])
	case "SCAN":
		err = s.scan(parts[1:])
	case "UPDATES":
		err = s.updates(parts[1:])
	case "SAVE":
		err = s.save(ctx, parts[1:])
	case "LOAD":
		err = s.load(ctx, parts[1:])
	default:
		s.printf("Unknown command: %s\n", cmd)
	}
	if err != nil {
		s.printf("Error: %s\n", err)
	}
	return false
}

func (s *session) execDot(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case ".help":
		s.printf("%s", helpText)
		return false
	case ".exit":
		if err := s.closeDB(); err != nil {
			s.printf("Error closing database: %s\n", err)
		}
		s.printf("Goodbye!\n")
		return true
	case ".open":
		if len(args) < 1 {
			s.printf("Error: Missing path argument\n")
			return false
		}
		if err := s.openDB(args[0]); err != nil {
			s.printf("Error opening database: %s\n", err)
			return false
		}
		s.printf("Database opened at %s\n", args[0])
		return false
	}

	if s.eng == nil {
		s.printf("No database open\n")
		return false
	}
	var err error
	switch cmd {
	case ".close":
		path := s.dbPath
		if err = s.closeDB(); err == nil {
			s.printf("Database %s closed\n", path)
		}
	case ".use":
		if len(args) < 1 {
			s.printf("Error: Missing repo name\n")
			return false
		}
		kind := repo.Safe
		if len(args) > 1 && strings.EqualFold(args[1], "fast") {
			kind = repo.Fast
		}
		if err = s.use(args[0], kind); err == nil {
			s.printf("Using %s repo %s\n", s.repo.Kind(), args[0])
		}
	case ".stats":
		s.printStats(s.eng.GetStats())
	case ".flush":
		start := time.Now()
		if err = s.eng.Flush(ctx); err == nil {
			s.printf("Flushed in %s\n", time.Since(start).Round(time.Microsecond))
		}
	case ".compact":
		var n int
		if n, err = s.eng.TriggerCompaction(ctx); err == nil {
			cs, _ := s.eng.GetCompactionStats()
			s.printf("Compaction cycle done: %v repo merges so far, %d durable groups merged\n", cs["merges"], n)
		}
	case ".sync":
		err = s.sync(ctx, args)
	default:
		s.printf("Unknown command: %s\n", cmd)
		return false
	}
	if err != nil {
		s.printf("Error: %s\n", err)
	}
	return false
}

func (s *session) put(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("PUT requires key and value arguments")
	}
	seq, err := s.repo.Put(ctx, []byte(args[0]), []byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	s.printf("Value stored @%d\n", seq)
	return nil
}

func (s *session) get(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("GET requires a key argument")
	}
	var ceiling uint64
	if len(args) > 1 {
		var err error
		if ceiling, err = parseSeq(args[1]); err != nil {
			return err
		}
	}
	val, ok, err := s.repo.Get(ctx, []byte(args[0]), ceiling)
	if err != nil {
		return err
	}
	if !ok {
		s.printf("Key not found\n")
		return nil
	}
	s.printf("%s\n", val)
	return nil
}

func (s *session) del(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("DELETE requires a key argument")
	}
	seq, err := s.repo.Delete(ctx, []byte(args[0]))
	if err != nil {
		return err
	}
	s.printf("Key deleted @%d\n", seq)
	return nil
}

func (s *session) scan(args []string) error {
	var opts repo.ReadOptions
	opts.IgnoreTombstones = true
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "@") {
		seq, err := parseSeq(args[n-1])
		if err != nil {
			return err
		}
		opts.Ceiling = seq
		args = args[:n-1]
	}

	var from, to []byte
	switch len(args) {
	case 0:
	case 2:
		from, to = bound(args[0]), bound(args[1])
	default:
		return errors.New("SCAN takes no bounds or both from and to")
	}

	v, err := s.repo.NewView()
	if err != nil {
		return err
	}
	defer v.Close()
	w := s.repo.NewRangePresentWalker(v, from, to, opts)

	count := 0
	err = s.walk(w, func(it walker.Item) {
		s.printf("%s: %s\n", it.Key, it.Op.Value)
		count++
	})
	s.printf("%d entries found\n", count)
	return err
}

func (s *session) updates(args []string) error {
	if len(args) != 1 {
		return errors.New("UPDATES requires a starting sequence number")
	}
	from, err := strconv.ParseUint(strings.TrimPrefix(args[0], "@"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence number %q", args[0])
	}

	v, err := s.repo.NewView()
	if err != nil {
		return err
	}
	defer v.Close()
	w := s.repo.NewUpdateWalker(v, from, 0)

	count := 0
	err = s.walk(w, func(it walker.Item) {
		if it.Op.IsTombstone() {
			s.printf("@%d DELETE %s\n", it.Seq, it.Key)
		} else {
			s.printf("@%d PUT %s %s\n", it.Seq, it.Key, it.Op.Value)
		}
		count++
	})
	s.printf("%d updates found\n", count)
	return err
}

func (s *session) walk(w walker.Walker, fn func(walker.Item)) error {
	defer w.Close()
	for ; w.Valid(); w.Next() {
		fn(w.Item())
	}
	return w.Err()
}

func (s *session) save(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("SAVE requires id, ttl and value arguments")
	}
	ttl, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid ttl %q: %w", args[1], err)
	}
	seq, err := s.eng.Save(ctx, objectID(args[0]), time.Time{}, ttl, []byte(strings.Join(args[2:], " ")))
	if err != nil {
		return err
	}
	s.printf("Object saved @%d\n", seq)
	return nil
}

func (s *session) load(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("LOAD requires an id argument")
	}
	rec, ok, err := s.eng.Load(ctx, objectID(args[0]))
	if err != nil {
		return err
	}
	if !ok {
		s.printf("Object not found\n")
		return nil
	}
	if rec.Deadline.IsZero() {
		s.printf("%s (@%d)\n", rec.Value, rec.Seq)
	} else {
		s.printf("%s (@%d, expires %s)\n", rec.Value, rec.Seq, humanize.Time(rec.Deadline))
	}
	return nil
}

// sync pulls the named generations of a repo from a peer. The repo must
// not be open locally.
func (s *session) sync(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New(".sync requires an address, a repo name and generation ids")
	}
	gens := make([]uint64, 0, len(args)-2)
	for _, a := range args[2:] {
		gen, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid generation %q", a)
		}
		gens = append(gens, gen)
	}

	conn, closer, err := s.dial(args[0])
	if err != nil {
		return err
	}
	defer closer.Close()
	dst, err := s.eng.NewDestination(conn, replication.CodecZstd)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := s.eng.SyncFile(ctx, dst, engine.RepoID(args[1]), gens); err != nil {
		return err
	}
	s.printf("Synced %d generations of %s\n", len(gens), args[1])
	return nil
}

func (s *session) printStats(stats map[string]interface{}) {
	getUint64 := func(m map[string]interface{}, key string) uint64 {
		switch v := m[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		default:
			return 0
		}
	}

	s.printf("Operations:\n")
	for _, op := range []string{"put", "delete", "get", "walk", "update_walk", "flush", "compact", "durable_save", "durable_load"} {
		line := fmt.Sprintf("  %-14s %d", toTitle(strings.ReplaceAll(op, "_", " "))+":", getUint64(stats, op+"_ops"))
		if lat, ok := stats[op+"_latency"].(map[string]interface{}); ok {
			if avg, ok := lat["avg_ns"].(uint64); ok {
				line += fmt.Sprintf(" (avg %.3f ms)", float64(avg)/1e6)
			}
		}
		s.printf("%s\n", line)
	}

	s.printf("\nStorage:\n")
	s.printf("  Bytes read:      %s\n", humanize.IBytes(getUint64(stats, "total_bytes_read")))
	s.printf("  Bytes written:   %s\n", humanize.IBytes(getUint64(stats, "total_bytes_written")))
	s.printf("  Volume blocks:   %d used, %d cached\n", getUint64(stats, "volume_blocks_used"), getUint64(stats, "volume_blocks_cached"))
	s.printf("  Pool blocks:     %d used\n", getUint64(stats, "pool_blocks_used"))
	s.printf("  Generations:     %d\n", getUint64(stats, "catalog_generations"))
	s.printf("  Repos open:      %d\n", getUint64(stats, "repos_open"))
	s.printf("  Objects open:    %d\n", getUint64(stats, "durable_objects_open"))

	if cs, ok := stats["compaction"].(map[string]interface{}); ok {
		s.printf("\nCompaction:\n")
		for _, k := range []string{"cycles", "flushes", "merges", "errors"} {
			s.printf("  %-16s %d\n", toTitle(k)+":", getUint64(cs, k))
		}
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		s.printf("\nErrors:\n")
		names := make([]string, 0, len(errs))
		for name := range errs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s.printf("  %s: %d\n", toTitle(strings.ReplaceAll(name, "_", " ")), errs[name])
		}
	}
}

func parseSeq(s string) (uint64, error) {
	if !strings.HasPrefix(s, "@") {
		return 0, fmt.Errorf("expected @seq, got %q", s)
	}
	seq, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil || seq == 0 {
		return 0, fmt.Errorf("invalid sequence number %q", s)
	}
	return seq, nil
}

func bound(s string) []byte {
	if s == "-" {
		return nil
	}
	return []byte(s)
}

// objectID accepts a uuid or derives a stable id from a name
func objectID(s string) uuid.UUID {
	if id, err := uuid.Parse(s); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("indy:object:"+s))
}

// toTitle replaces strings.Title which is deprecated
// It converts the first character of each word to title case
func toTitle(s string) string {
	prev := ' '
	return strings.Map(
		func(r rune) rune {
			if unicode.IsSpace(prev) || unicode.IsPunct(prev) {
				prev = r
				return unicode.ToTitle(r)
			}
			prev = r
			return r
		},
		s)
}
