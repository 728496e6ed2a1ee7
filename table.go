package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE: the benchmark table
// ===========================================================================
//
// The README carries a markdown table of ESM2 baseline scores on the
// OMGprot50 test set (15% masking). The speedrun's goal is stated against
// that table, so this file treats it as data: the reference rows live here
// as literals, and the report command parses, validates, and rewrites the
// markdown so hand edits can't silently corrupt it.
//
// Validation enforces what makes the table meaningful as a baseline:
// unique model names, metrics in range, sized rows listed smallest model
// first, and test loss non-increasing as models grow. A bigger ESM2 losing
// to a smaller one would mean a transcription error, not a research result.
//
// ===========================================================================

// BenchmarkRow is one model's scores on the held-out test set.
type BenchmarkRow struct {
	Model     string  `json:"model"`
	Loss      float64 `json:"loss"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`
	MCC       float64 `json:"mcc"`
}

// ReferenceTable returns the published ESM2 baselines, smallest first.
func ReferenceTable() []BenchmarkRow {
	return []BenchmarkRow{
		{Model: "ESM2-8M", Loss: 2.3251, Precision: 0.3248, Recall: 0.3033, F1: 0.3005, Accuracy: 0.3033, MCC: 0.2451},
		{Model: "ESM2-35M", Loss: 2.2180, Precision: 0.3742, Recall: 0.3518, F1: 0.3491, Accuracy: 0.3518, MCC: 0.2986},
		{Model: "ESM2-150M", Loss: 2.0982, Precision: 0.4316, Recall: 0.4058, F1: 0.4049, Accuracy: 0.4058, MCC: 0.3657},
		{Model: "ESM2-650M", Loss: 1.9609, Precision: 0.4847, Recall: 0.4597, F1: 0.4600, Accuracy: 0.4597, MCC: 0.4255},
	}
}

// paramsFromName extracts the parameter count in millions from a model name
// like "ESM2-150M". Returns -1 if the name doesn't carry one; such rows
// (speedrun entries with custom names) are exempt from the ordering check.
func paramsFromName(name string) int {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return -1
	}
	suffix := name[idx+1:]
	if !strings.HasSuffix(suffix, "M") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSuffix(suffix, "M"))
	if err != nil || n <= 0 {
		return -1
	}
	return n
}

// ValidateTable checks a benchmark table for internal consistency: no
// duplicate model names, all metrics within their ranges, and among sized
// rows, smallest model first and test loss not increasing with model scale.
func ValidateTable(rows []BenchmarkRow) error {
	if len(rows) == 0 {
		return fmt.Errorf("benchmark table: no rows")
	}

	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.Model == "" {
			return fmt.Errorf("benchmark table: row with empty model name")
		}
		if seen[r.Model] {
			return fmt.Errorf("benchmark table: duplicate model %q", r.Model)
		}
		seen[r.Model] = true

		if r.Loss <= 0 {
			return fmt.Errorf("benchmark table: %s: loss %.4f must be positive", r.Model, r.Loss)
		}
		for _, m := range []struct {
			name string
			val  float64
		}{
			{"precision", r.Precision},
			{"recall", r.Recall},
			{"f1", r.F1},
			{"accuracy", r.Accuracy},
		} {
			if m.val < 0 || m.val > 1 {
				return fmt.Errorf("benchmark table: %s: %s %.4f outside [0,1]", r.Model, m.name, m.val)
			}
		}
		if r.MCC < -1 || r.MCC > 1 {
			return fmt.Errorf("benchmark table: %s: mcc %.4f outside [-1,1]", r.Model, r.MCC)
		}
	}

	// Sized baseline rows must appear smallest model first, and test loss
	// must not increase with model scale.
	type sized struct {
		row    BenchmarkRow
		params int
	}
	var sizedRows []sized
	for _, r := range rows {
		if p := paramsFromName(r.Model); p > 0 {
			sizedRows = append(sizedRows, sized{row: r, params: p})
		}
	}
	for i := 1; i < len(sizedRows); i++ {
		prev, curr := sizedRows[i-1], sizedRows[i]
		if curr.params < prev.params {
			return fmt.Errorf("benchmark table: %s listed before smaller %s; rows go smallest model first",
				prev.row.Model, curr.row.Model)
		}
		if curr.row.Loss > prev.row.Loss {
			return fmt.Errorf("benchmark table: %s (loss %.4f) should not lose to smaller %s (loss %.4f)",
				curr.row.Model, curr.row.Loss, prev.row.Model, prev.row.Loss)
		}
	}
	return nil
}

// UpsertRow returns the table with row added, replacing any existing row
// with the same model name. The input slice is not modified.
func UpsertRow(rows []BenchmarkRow, row BenchmarkRow) []BenchmarkRow {
	out := make([]BenchmarkRow, 0, len(rows)+1)
	replaced := false
	for _, r := range rows {
		if r.Model == row.Model {
			out = append(out, row)
			replaced = true
		} else {
			out = append(out, r)
		}
	}
	if !replaced {
		out = append(out, row)
	}
	return out
}

// benchmarkHeader lists the table columns in order.
var benchmarkHeader = []string{"Model", "Loss", "Precision", "Recall", "F1", "Accuracy", "MCC"}

// RenderBenchmarkTable writes the rows as a markdown table.
func RenderBenchmarkTable(w io.Writer, rows []BenchmarkRow) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "| %s |\n", strings.Join(benchmarkHeader, " | "))
	fmt.Fprint(bw, "|")
	for range benchmarkHeader {
		fmt.Fprint(bw, "---|")
	}
	fmt.Fprintln(bw)

	for _, r := range rows {
		fmt.Fprintf(bw, "| %s | %.4f | %.4f | %.4f | %.4f | %.4f | %.4f |\n",
			r.Model, r.Loss, r.Precision, r.Recall, r.F1, r.Accuracy, r.MCC)
	}
	return bw.Flush()
}

// ParseBenchmarkTable reads the first markdown table in r whose header
// matches the benchmark columns. Text around the table is ignored, so the
// reader can be pointed at a whole README.
func ParseBenchmarkTable(r io.Reader) ([]BenchmarkRow, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var rows []BenchmarkRow
	inTable := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if !inTable {
			if isBenchmarkHeader(line) {
				// Consume the |---|---| separator.
				if !scanner.Scan() {
					return nil, fmt.Errorf("benchmark table: line %d: header without separator", lineNo)
				}
				lineNo++
				sep := strings.TrimSpace(scanner.Text())
				if !strings.HasPrefix(sep, "|") || !strings.Contains(sep, "---") {
					return nil, fmt.Errorf("benchmark table: line %d: malformed separator %q", lineNo, sep)
				}
				inTable = true
			}
			continue
		}

		if !strings.HasPrefix(line, "|") {
			break // table ended
		}

		cells := splitTableRow(line)
		if len(cells) != len(benchmarkHeader) {
			return nil, fmt.Errorf("benchmark table: line %d: expected %d cells, got %d", lineNo, len(benchmarkHeader), len(cells))
		}

		row := BenchmarkRow{Model: cells[0]}
		vals := make([]float64, 6)
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseFloat(cells[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("benchmark table: line %d: column %s: %w", lineNo, benchmarkHeader[i+1], err)
			}
			vals[i] = v
		}
		row.Loss, row.Precision, row.Recall, row.F1, row.Accuracy, row.MCC = vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inTable {
		return nil, fmt.Errorf("benchmark table: no table with columns %v found", benchmarkHeader)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("benchmark table: header present but no data rows")
	}
	return rows, nil
}

func isBenchmarkHeader(line string) bool {
	if !strings.HasPrefix(line, "|") {
		return false
	}
	cells := splitTableRow(line)
	if len(cells) != len(benchmarkHeader) {
		return false
	}
	for i, c := range cells {
		if !strings.EqualFold(c, benchmarkHeader[i]) {
			return false
		}
	}
	return true
}

func splitTableRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
