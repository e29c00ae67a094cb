package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/indy/pkg/engine"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, scan, updates, mixed, compaction, durable, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	scanSize      = flag.Int("scan-size", 100, "Number of entries to scan in range scan benchmarks")
	workers       = flag.Int("workers", 4, "Concurrent workers in the mixed benchmark")
	fastRepo      = flag.Bool("fast", false, "Benchmark a memory-only repo")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}

	e, err := engine.OpenDir(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage engine: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	opts := Options{
		Duration:   *duration,
		NumKeys:    *numKeys,
		ValueSize:  *valueSize,
		Sequential: *sequential,
		ScanSize:   *scanSize,
		Workers:    *workers,
		Fast:       *fastRepo,
	}
	b, err := newBench(e, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare benchmark: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s\n",
		opts.NumKeys, opts.ValueSize, opts.Duration, opts.keyMode())

	var results []BenchmarkResult
	for _, typ := range strings.Split(*benchmarkType, ",") {
		typ = strings.ToLower(strings.TrimSpace(typ))
		names := []string{typ}
		if typ == "all" {
			names = benchmarkOrder
		}
		for _, name := range names {
			run, ok := b.runners()[name]
			if !ok {
				fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", name)
				os.Exit(1)
			}
			res, err := run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s benchmark failed: %v\n", name, err)
				continue
			}
			fmt.Println(res.Summary())
			results = append(results, res)
		}
	}

	fmt.Println()
	PrintResultTable(os.Stdout, results)

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}
}
