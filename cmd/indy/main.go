package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/indy/pkg/engine"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".use"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem(".compact"),
	readline.PcItem(".sync"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("SCAN"),
	readline.PcItem("UPDATES"),
	readline.PcItem("SAVE"),
	readline.PcItem("LOAD"),
)

// Config holds the application configuration
type Config struct {
	ServerMode  bool
	ListenAddr  string
	DBPath      string
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

func main() {
	config := parseFlags()

	if config.ServerMode {
		if config.DBPath == "" {
			fmt.Fprintf(os.Stderr, "Error: Server mode requires a database path\n")
			os.Exit(1)
		}
		eng, err := engine.OpenDir(config.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %s\n", err)
			os.Exit(1)
		}
		runServer(eng, config)
		return
	}

	runInteractive(config.DBPath)
}

// parseFlags parses command line flags and returns a Config
func parseFlags() Config {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Indy - A versioned key-value store over a block volume\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: indy [options] [database_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, indy runs in interactive mode with a command-line interface.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "With -serve, indy serves its generation files to peers over gRPC.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor more details, start indy and type .help\n")
	}

	listenAddr := flag.String("serve", "", "Serve file sync to peers on this address instead of starting the REPL")
	tlsEnabled := flag.Bool("tls", false, "Enable TLS for secure connections")
	tlsCertFile := flag.String("cert", "", "TLS certificate file path")
	tlsKeyFile := flag.String("key", "", "TLS private key file path")
	tlsCAFile := flag.String("ca", "", "TLS CA certificate file for client verification")

	flag.Parse()

	var dbPath string
	if flag.NArg() > 0 {
		dbPath = flag.Arg(0)
	}

	return Config{
		ServerMode:  *listenAddr != "",
		ListenAddr:  *listenAddr,
		DBPath:      dbPath,
		TLSEnabled:  *tlsEnabled,
		TLSCertFile: *tlsCertFile,
		TLSKeyFile:  *tlsKeyFile,
		TLSCAFile:   *tlsCAFile,
	}
}

// runServer serves file sync until SIGINT or SIGTERM
func runServer(eng *engine.Engine, config Config) {
	server := NewServer(eng, config)
	if err := server.Start(); err != nil {
		eng.Close()
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Indy file sync listening on %s\n", server.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down server: %v\n", err)
		}
	}()

	err := server.Serve()
	if cerr := eng.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Error closing database: %v\n", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error serving: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown complete")
}

// runInteractive starts the interactive CLI mode
func runInteractive(dbPath string) {
	fmt.Println("Indy (indy) version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	s := newSession(os.Stdout)
	if dbPath != "" {
		if err := s.openDB(dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("Database opened at %s\n", dbPath)
	}

	historyFile := filepath.Join(os.TempDir(), ".indy_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		s.closeDB()
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		rl.SetPrompt(s.prompt())

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				s.exec(ctx, ".exit")
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", err)
			continue
		}

		if s.exec(ctx, line) {
			return
		}
	}
}
