package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWrapsWithSpecials(t *testing.T) {
	tok := NewProteinTokenizer()

	ids := tok.Encode("MKT")

	require.Len(t, ids, 5)
	assert.Equal(t, uint16(TokCLS), ids[0])
	assert.Equal(t, uint16(TokEOS), ids[len(ids)-1])
	for _, id := range ids[1 : len(ids)-1] {
		assert.False(t, IsSpecial(id), "residue encoded as special: %d", id)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := NewProteinTokenizer()
	seq := "MKTAYIAKQRQISFVKSHFSRQLEERLGLIEVQ"

	ids := tok.Encode(seq)
	got := tok.Decode(ids, true)

	assert.Equal(t, seq, got)
}

func TestEncodeLowercaseAndUnknown(t *testing.T) {
	tok := NewProteinTokenizer()

	lower := tok.Encode("mkt")
	upper := tok.Encode("MKT")
	assert.Equal(t, upper, lower)

	ids := tok.Encode("M1T")
	assert.Equal(t, uint16(TokUNK), ids[2])
}

func TestVocabMatchesESMAlphabet(t *testing.T) {
	tok := NewProteinTokenizer()

	assert.Equal(t, ESMVocabSize, tok.VocabSize())
	// Anchor a few known ESM token IDs.
	assert.Equal(t, []uint16{TokCLS, 4, 5, 6, TokEOS}, tok.Encode("LAG"))
}

func TestReadSequencesFASTA(t *testing.T) {
	input := ">sp|P1|first\nMKT\nAYI\n>sp|P2|second\nGVS\n"

	seqs, err := ReadSequences(strings.NewReader(input))

	require.NoError(t, err)
	assert.Equal(t, []string{"MKTAYI", "GVS"}, seqs)
}

func TestReadSequencesJSONL(t *testing.T) {
	input := `{"sequence": "MKT"}` + "\n" + `{"sequence": "AYI"}` + "\n"

	seqs, err := ReadSequences(strings.NewReader(input))

	require.NoError(t, err)
	assert.Equal(t, []string{"MKT", "AYI"}, seqs)
}

func TestReadSequencesPlain(t *testing.T) {
	seqs, err := ReadSequences(strings.NewReader("MKT\n\nAYI\n"))

	require.NoError(t, err)
	assert.Equal(t, []string{"MKT", "AYI"}, seqs)
}
