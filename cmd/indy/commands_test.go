package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/KevoDB/indy/pkg/config"
	"github.com/KevoDB/indy/pkg/engine"
)

func testSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	s := newSession(&out)
	s.open = func(path string) (*engine.Engine, error) {
		cfg := config.NewDefaultConfig(path)
		cfg.PoolBlockCount = 256
		cfg.PoolPin = false
		cfg.VolumePath = ""
		cfg.VolumeBlockSize = 4096
		cfg.VolumeNumBlocks = 512
		cfg.CacheBlocks = 16
		cfg.DataBlockSize = 512
		cfg.FlushInterval = 3600
		cfg.DurableWriteDelay = time.Hour
		cfg.DurableMergeDelay = time.Hour
		cfg.FileService = config.FileServiceMemory
		cfg.FiberRunners = 2
		return engine.Open(cfg)
	}
	t.Cleanup(func() { s.closeDB() })
	return s, &out
}

// run executes each line and returns everything printed by the last one
func run(t *testing.T, s *session, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	for _, line := range lines {
		out.Reset()
		s.exec(context.Background(), line)
	}
	return out.String()
}

func expectOutput(t *testing.T, got string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(got, w) {
			t.Errorf("output %q does not contain %q", got, w)
		}
	}
}

func TestCommandsWithoutDatabase(t *testing.T) {
	s, out := testSession(t)

	expectOutput(t, run(t, s, out, "GET a"), "No database open")
	expectOutput(t, run(t, s, out, ".stats"), "No database open")
	expectOutput(t, run(t, s, out, ".help"), "SCAN [from to] [@seq]")
	expectOutput(t, run(t, s, out, ".open"), "Missing path argument")
	if s.prompt() != "indy> " {
		t.Errorf("prompt = %q", s.prompt())
	}
}

func TestReadAndWriteCommands(t *testing.T) {
	s, out := testSession(t)
	dir := t.TempDir()

	expectOutput(t, run(t, s, out, ".open "+dir), "Database opened at "+dir)
	if want := "indy:" + dir + "/default> "; s.prompt() != want {
		t.Errorf("prompt = %q, want %q", s.prompt(), want)
	}

	expectOutput(t, run(t, s, out, "PUT a 1"), "Value stored @1")
	expectOutput(t, run(t, s, out, "put b two words"), "Value stored @2")
	expectOutput(t, run(t, s, out, "DELETE a"), "Key deleted @3")

	expectOutput(t, run(t, s, out, "GET a"), "Key not found")
	expectOutput(t, run(t, s, out, "GET a @1"), "1\n")
	expectOutput(t, run(t, s, out, "GET b"), "two words\n")
	expectOutput(t, run(t, s, out, "GET b @x"), "Error: invalid sequence number")

	got := run(t, s, out, "SCAN")
	expectOutput(t, got, "b: two words", "1 entries found")
	if strings.Contains(got, "a: ") {
		t.Errorf("scan shows deleted key: %q", got)
	}
	expectOutput(t, run(t, s, out, "SCAN - b @2"), "a: 1", "1 entries found")
	expectOutput(t, run(t, s, out, "SCAN a"), "Error: SCAN takes no bounds or both from and to")

	expectOutput(t, run(t, s, out, "UPDATES 2"), "@2 PUT b two words", "@3 DELETE a", "2 updates found")
	expectOutput(t, run(t, s, out, "PUT a"), "Error: PUT requires key and value arguments")
	expectOutput(t, run(t, s, out, "FROB"), "Unknown command: FROB")
}

func TestRepoSelection(t *testing.T) {
	s, out := testSession(t)
	run(t, s, out, ".open "+t.TempDir(), "PUT k in-default")

	expectOutput(t, run(t, s, out, ".use scratch fast"), "Using fast repo scratch")
	expectOutput(t, run(t, s, out, "GET k"), "Key not found")
	run(t, s, out, "PUT k in-scratch")

	expectOutput(t, run(t, s, out, ".use default"), "Using safe repo default")
	expectOutput(t, run(t, s, out, "GET k"), "in-default")
	expectOutput(t, run(t, s, out, ".use"), "Missing repo name")
}

func TestMaintenanceCommands(t *testing.T) {
	s, out := testSession(t)
	run(t, s, out, ".open "+t.TempDir())

	for i, v := range []string{"v1", "v2", "v3"} {
		run(t, s, out, "PUT k "+v)
		expectOutput(t, run(t, s, out, ".flush"), "Flushed in")
		if n := len(s.eng.Generations(engine.RepoID(defaultRepo))); n != i+1 {
			t.Fatalf("expected %d generations, got %d", i+1, n)
		}
	}
	expectOutput(t, run(t, s, out, ".compact"), "Compaction cycle done: 1 repo merges so far")
	expectOutput(t, run(t, s, out, "GET k"), "v3")

	expectOutput(t, run(t, s, out, ".stats"), "Operations:", "Put:", "Storage:", "Generations:", "Compaction:")
	expectOutput(t, run(t, s, out, ".close"), "closed")
	if s.eng != nil {
		t.Error("engine still set after .close")
	}
}

func TestDurableObjectCommands(t *testing.T) {
	s, out := testSession(t)
	run(t, s, out, ".open "+t.TempDir())

	expectOutput(t, run(t, s, out, "SAVE cursor 0 offset=42"), "Object saved @")
	expectOutput(t, run(t, s, out, "LOAD cursor"), "offset=42")
	expectOutput(t, run(t, s, out, "SAVE session 1h token"), "Object saved @")
	expectOutput(t, run(t, s, out, "LOAD session"), "token", "expires")
	expectOutput(t, run(t, s, out, "LOAD missing"), "Object not found")
	expectOutput(t, run(t, s, out, "SAVE x soon v"), "Error: invalid ttl")

	if objectID("cursor") != objectID("cursor") {
		t.Error("object ids derived from names are not stable")
	}
	id := objectID("cursor").String()
	if objectID(id).String() != id {
		t.Error("uuid ids are not used as given")
	}
}

func TestSyncCommand(t *testing.T) {
	primary, pout := testSession(t)
	run(t, primary, pout, ".open "+t.TempDir(), ".use events", "PUT e1 first", "PUT e2 second", ".flush")
	gens := primary.eng.Generations(engine.RepoID("events"))
	if len(gens) != 1 {
		t.Fatalf("expected one generation on the primary, got %v", gens)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	if err := primary.eng.RegisterFileSync(srv); err != nil {
		t.Fatalf("RegisterFileSync: %v", err)
	}
	go srv.Serve(lis)
	defer srv.Stop()

	replica, rout := testSession(t)
	replica.dial = func(addr string) (grpc.ClientConnInterface, io.Closer, error) {
		conn, err := grpc.NewClient("passthrough:///"+addr,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn, nil
	}
	run(t, replica, rout, ".open "+t.TempDir())

	expectOutput(t, run(t, replica, rout, ".sync primary events"), "Error: .sync requires")
	expectOutput(t, run(t, replica, rout, ".sync primary events x"), "invalid generation")
	expectOutput(t, run(t, replica, rout, ".sync primary events "+strconv.FormatUint(gens[0], 10)), "Synced 1 generations of events")

	run(t, replica, rout, ".use events")
	expectOutput(t, run(t, replica, rout, "GET e2"), "second")
	expectOutput(t, run(t, replica, rout, "PUT e3 third"), "Value stored @3")
}

func TestToTitle(t *testing.T) {
	tests := map[string]string{
		"put":          "Put",
		"update walk":  "Update Walk",
		"durable_save": "Durable_Save",
		"":             "",
	}
	for in, want := range tests {
		if got := toTitle(in); got != want {
			t.Errorf("toTitle(%q) = %q, want %q", in, got, want)
		}
	}
}
