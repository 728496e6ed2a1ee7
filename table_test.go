package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceTableIsValid(t *testing.T) {
	require.NoError(t, ValidateTable(ReferenceTable()))
}

func TestReferenceTable150MRow(t *testing.T) {
	var row *BenchmarkRow
	for _, r := range ReferenceTable() {
		if r.Model == "ESM2-150M" {
			r := r
			row = &r
			break
		}
	}
	require.NotNil(t, row)

	assert.Equal(t, 2.0982, row.Loss)
	assert.Equal(t, 0.4316, row.Precision)
	assert.Equal(t, 0.4058, row.Recall)
	assert.Equal(t, 0.4049, row.F1)
	assert.Equal(t, 0.4058, row.Accuracy)
	assert.Equal(t, 0.3657, row.MCC)
}

func TestParseTableFromREADME(t *testing.T) {
	doc := `# esm2go

Some prose before the table.

| Model | Loss | Precision | Recall | F1 | Accuracy | MCC |
|---|---|---|---|---|---|---|
| ESM2-8M | 2.3251 | 0.3248 | 0.3033 | 0.3005 | 0.3033 | 0.2451 |
| ESM2-150M | 2.0982 | 0.4316 | 0.4058 | 0.4049 | 0.4058 | 0.3657 |

Some prose after.
`
	rows, err := ParseBenchmarkTable(strings.NewReader(doc))

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ESM2-150M", rows[1].Model)
	assert.Equal(t, 2.0982, rows[1].Loss)
	assert.Equal(t, 0.3657, rows[1].MCC)
}

func TestRenderParseRoundTrip(t *testing.T) {
	ref := ReferenceTable()

	var buf bytes.Buffer
	require.NoError(t, RenderBenchmarkTable(&buf, ref))
	rows, err := ParseBenchmarkTable(&buf)

	require.NoError(t, err)
	assert.Equal(t, ref, rows)
}

func TestParseRejectsMissingTable(t *testing.T) {
	_, err := ParseBenchmarkTable(strings.NewReader("no table here\n"))
	assert.Error(t, err)
}

func TestParseRejectsMalformedRow(t *testing.T) {
	doc := `| Model | Loss | Precision | Recall | F1 | Accuracy | MCC |
|---|---|---|---|---|---|---|
| ESM2-8M | not-a-number | 0.3 | 0.3 | 0.3 | 0.3 | 0.2 |
`
	_, err := ParseBenchmarkTable(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	rows := ReferenceTable()
	rows = append(rows, rows[0])
	assert.ErrorContains(t, ValidateTable(rows), "duplicate")
}

func TestValidateRejectsOutOfRangeMetrics(t *testing.T) {
	rows := ReferenceTable()
	rows[0].Precision = 1.5
	assert.ErrorContains(t, ValidateTable(rows), "precision")

	rows = ReferenceTable()
	rows[0].MCC = -2
	assert.ErrorContains(t, ValidateTable(rows), "mcc")

	rows = ReferenceTable()
	rows[0].Loss = -0.1
	assert.ErrorContains(t, ValidateTable(rows), "loss")
}

func TestValidateRejectsLossInversion(t *testing.T) {
	rows := ReferenceTable()
	// Make the 650M model worse than the 8M one.
	for i := range rows {
		if rows[i].Model == "ESM2-650M" {
			rows[i].Loss = 3.0
		}
	}
	assert.Error(t, ValidateTable(rows))
}

func TestValidateRejectsMisorderedRows(t *testing.T) {
	ref := ReferenceTable()

	// Same rows, largest model first. The losses are still consistent with
	// scale, so only the ordering check can catch this.
	reversed := make([]BenchmarkRow, len(ref))
	for i, r := range ref {
		reversed[len(ref)-1-i] = r
	}
	assert.ErrorContains(t, ValidateTable(reversed), "smallest model first")

	// A single swapped pair fails too.
	swapped := ReferenceTable()
	swapped[1], swapped[2] = swapped[2], swapped[1]
	assert.ErrorContains(t, ValidateTable(swapped), "smallest model first")
}

func TestValidateAllowsUnsizedRows(t *testing.T) {
	rows := UpsertRow(ReferenceTable(), BenchmarkRow{
		Model: "speedrun-baseline", Loss: 2.5,
		Precision: 0.3, Recall: 0.3, F1: 0.3, Accuracy: 0.3, MCC: 0.2,
	})
	// Custom-named rows carry no parameter count, so they sit outside the
	// loss-ordering check even with a worse loss than every baseline.
	assert.NoError(t, ValidateTable(rows))
}

func TestUpsertRowReplaces(t *testing.T) {
	rows := ReferenceTable()
	updated := UpsertRow(rows, BenchmarkRow{
		Model: "ESM2-8M", Loss: 2.2, Precision: 0.35, Recall: 0.33,
		F1: 0.33, Accuracy: 0.33, MCC: 0.26,
	})

	require.Len(t, updated, len(rows))
	assert.Equal(t, 2.2, updated[0].Loss)
	// Original slice untouched.
	assert.Equal(t, 2.3251, rows[0].Loss)
}
