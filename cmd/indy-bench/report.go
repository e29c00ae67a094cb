package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Mode          string
	Operations    int
	Duration      float64 // seconds
	Throughput    float64 // ops/sec
	Latency       float64 // µs/op
	HitRate       float64 // For read benchmarks
	EntriesPerSec float64 // For scan and update benchmarks
	ReadRatio     float64 // For mixed benchmarks
	WriteRatio    float64 // For mixed benchmarks
	BytesWritten  int64
	Generations   string // For compaction, as before->after
	Timestamp     time.Time
}

// Summary renders the result as an indented report block
func (r BenchmarkResult) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n%s Benchmark Results:", r.BenchmarkType)
	fmt.Fprintf(&sb, "\n  Key Mode: %s", r.Mode)
	fmt.Fprintf(&sb, "\n  Operations: %s", humanize.Comma(int64(r.Operations)))
	if r.BytesWritten > 0 {
		fmt.Fprintf(&sb, "\n  Data Written: %s", humanize.IBytes(uint64(r.BytesWritten)))
	}
	fmt.Fprintf(&sb, "\n  Time: %.2f seconds", r.Duration)
	fmt.Fprintf(&sb, "\n  Throughput: %.2f ops/sec", r.Throughput)
	fmt.Fprintf(&sb, "\n  Latency: %.3f µs/op", r.Latency)
	switch r.BenchmarkType {
	case "Read":
		fmt.Fprintf(&sb, "\n  Hit Rate: %.2f%%", r.HitRate)
	case "Scan", "Updates":
		fmt.Fprintf(&sb, "\n  Entries: %.2f entries/sec", r.EntriesPerSec)
	case "Mixed":
		fmt.Fprintf(&sb, "\n  Ratio: %.0f%% reads / %.0f%% writes", r.ReadRatio, r.WriteRatio)
	case "Compaction":
		fmt.Fprintf(&sb, "\n  Generations: %s", r.Generations)
	}
	return sb.String()
}

var csvHeader = []string{
	"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Mode",
	"Operations", "Duration", "Throughput", "Latency", "HitRate",
	"EntriesPerSec", "ReadRatio", "WriteRatio", "BytesWritten", "Generations",
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			r.Mode,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.2f", r.EntriesPerSec),
			fmt.Sprintf("%.1f", r.ReadRatio),
			fmt.Sprintf("%.1f", r.WriteRatio),
			strconv.FormatInt(r.BytesWritten, 10),
			r.Generations,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// LoadResultCSV loads benchmark results from a CSV file
func LoadResultCSV(filename string) ([]BenchmarkResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return []BenchmarkResult{}, nil
	}

	results := make([]BenchmarkResult, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < len(csvHeader) {
			continue
		}

		timestamp, _ := time.Parse(time.RFC3339, record[0])
		numKeys, _ := strconv.Atoi(record[2])
		valueSize, _ := strconv.Atoi(record[3])
		operations, _ := strconv.Atoi(record[5])
		duration, _ := strconv.ParseFloat(record[6], 64)
		throughput, _ := strconv.ParseFloat(record[7], 64)
		latency, _ := strconv.ParseFloat(record[8], 64)
		hitRate, _ := strconv.ParseFloat(record[9], 64)
		entriesPerSec, _ := strconv.ParseFloat(record[10], 64)
		readRatio, _ := strconv.ParseFloat(record[11], 64)
		writeRatio, _ := strconv.ParseFloat(record[12], 64)
		bytesWritten, _ := strconv.ParseInt(record[13], 10, 64)

		results = append(results, BenchmarkResult{
			Timestamp:     timestamp,
			BenchmarkType: record[1],
			NumKeys:       numKeys,
			ValueSize:     valueSize,
			Mode:          record[4],
			Operations:    operations,
			Duration:      duration,
			Throughput:    throughput,
			Latency:       latency,
			HitRate:       hitRate,
			EntriesPerSec: entriesPerSec,
			ReadRatio:     readRatio,
			WriteRatio:    writeRatio,
			BytesWritten:  bytesWritten,
			Generations:   record[14],
		})
	}
	return results, nil
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(w io.Writer, results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results to display")
		return
	}

	fmt.Fprintln(w, "+-----------------+--------+---------+------------+----------+-------------+")
	fmt.Fprintln(w, "| Benchmark Type  | Keys   | ValSize | Throughput | Latency  | Detail      |")
	fmt.Fprintln(w, "+-----------------+--------+---------+------------+----------+-------------+")

	for _, r := range results {
		detail := "-"
		switch r.BenchmarkType {
		case "Read":
			detail = fmt.Sprintf("%.2f%% hit", r.HitRate)
		case "Mixed":
			detail = fmt.Sprintf("R:%.0f/W:%.0f", r.ReadRatio, r.WriteRatio)
		case "Compaction":
			detail = r.Generations + " gens"
		}

		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Fprintf(w, "| %-15s | %6d | %7d | %10.2f | %6.2f%s | %11s |\n",
			r.BenchmarkType,
			r.NumKeys,
			r.ValueSize,
			r.Throughput,
			latency, latencyUnit,
			detail)
	}
	fmt.Fprintln(w, "+-----------------+--------+---------+------------+----------+-------------+")
}
