package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Protein tokenization. Unlike natural-language models, ESM2 needs no BPE or
// WordPiece training: the vocabulary is the fixed 33-token alphabet of the
// ESM tokenizer: four leading specials, the twenty standard amino acids,
// the rare/ambiguous residue codes, gap characters, and <mask>. Token IDs
// here match the facebook/esm2 checkpoints exactly, so shards produced by
// this repo are interchangeable with ones produced by the reference
// tokenizer.
//
// A sequence encodes to <cls> RESIDUES... <eos>; the loader later relies on
// every sample starting with <cls> and ending with <eos> when packing
// batches.
//
// ===========================================================================

// Token IDs for the special tokens of the ESM alphabet.
const (
	TokCLS  = 0
	TokPAD  = 1
	TokEOS  = 2
	TokUNK  = 3
	TokMask = 32

	// ESMVocabSize is the full alphabet size.
	ESMVocabSize = 33
)

// esmAlphabet lists all 33 tokens in ID order.
var esmAlphabet = []string{
	"<cls>", "<pad>", "<eos>", "<unk>",
	"L", "A", "G", "V", "S", "E", "R", "T", "I", "D", "P", "K",
	"Q", "N", "F", "Y", "M", "H", "W", "C", "X", "B", "U", "Z",
	"O", ".", "-",
	"<null_1>", "<mask>",
}

// Residue ID range for the twenty standard amino acids (L..C). Random-token
// replacement during masking draws from this range only, so corrupted
// positions are always plausible residues.
const (
	firstResidueID = 4
	lastResidueID  = 23
)

// ProteinTokenizer maps protein sequences to ESM token IDs and back.
// The zero value is not usable; call NewProteinTokenizer.
type ProteinTokenizer struct {
	byResidue map[byte]uint16
}

// NewProteinTokenizer returns a tokenizer over the fixed ESM alphabet.
func NewProteinTokenizer() *ProteinTokenizer {
	byResidue := make(map[byte]uint16, len(esmAlphabet))
	for id, tok := range esmAlphabet {
		if len(tok) == 1 {
			byResidue[tok[0]] = uint16(id)
		}
	}
	return &ProteinTokenizer{byResidue: byResidue}
}

// VocabSize returns the alphabet size (always 33).
func (t *ProteinTokenizer) VocabSize() int {
	return ESMVocabSize
}

// Encode tokenizes one protein sequence as <cls> residues... <eos>.
// Lowercase residues are accepted and upcased; anything outside the alphabet
// becomes <unk>.
func (t *ProteinTokenizer) Encode(sequence string) []uint16 {
	ids := make([]uint16, 0, len(sequence)+2)
	ids = append(ids, TokCLS)
	for i := 0; i < len(sequence); i++ {
		c := sequence[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if id, ok := t.byResidue[c]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, TokUNK)
		}
	}
	ids = append(ids, TokEOS)
	return ids
}

// Decode converts token IDs back to a residue string. When skipSpecial is
// true, <cls>, <pad>, <eos>, <unk>, <null_1> and <mask> are dropped; when
// false they are rendered in their angle-bracket form.
func (t *ProteinTokenizer) Decode(ids []uint16, skipSpecial bool) string {
	var b strings.Builder
	for _, id := range ids {
		if int(id) >= len(esmAlphabet) {
			continue
		}
		tok := esmAlphabet[id]
		if len(tok) > 1 {
			if skipSpecial {
				continue
			}
		}
		b.WriteString(tok)
	}
	return b.String()
}

// IsSpecial reports whether id is one of the non-residue tokens that MLM
// masking must never corrupt.
func IsSpecial(id uint16) bool {
	switch id {
	case TokCLS, TokPAD, TokEOS, TokUNK, TokMask:
		return true
	}
	return int(id) == 31 // <null_1>
}

// ===========================================================================
// SEQUENCE READERS
// ===========================================================================
//
// Dataset prep accepts three input shapes:
//   - FASTA: ">header" lines introduce records, sequence lines may wrap
//   - plain: one sequence per line
//   - JSONL: {"sequence": "..."} per line (the OMGprot50 export format)
//
// ReadSequences sniffs the format from the first non-empty line.

// ReadSequences reads protein sequences from r, detecting FASTA, JSONL, or
// plain one-sequence-per-line input.
func ReadSequences(r io.Reader) ([]string, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	first, err := peekFirstByte(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	switch first {
	case '>':
		return readFASTA(br)
	case '{':
		return readJSONLines(br)
	default:
		return readPlainLines(br)
	}
}

func peekFirstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if b[0] == '\n' || b[0] == '\r' {
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
			continue
		}
		return b[0], nil
	}
}

func readFASTA(br *bufio.Reader) ([]string, error) {
	var seqs []string
	var current strings.Builder

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			if current.Len() > 0 {
				seqs = append(seqs, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading FASTA: %w", err)
	}
	if current.Len() > 0 {
		seqs = append(seqs, current.String())
	}
	return seqs, nil
}

func readJSONLines(br *bufio.Reader) ([]string, error) {
	var seqs []string

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc struct {
			Sequence string `json:"sequence"`
		}
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return nil, fmt.Errorf("parsing JSONL record: %w", err)
		}
		if doc.Sequence != "" {
			seqs = append(seqs, doc.Sequence)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading JSONL: %w", err)
	}
	return seqs, nil
}

func readPlainLines(br *bufio.Reader) ([]string, error) {
	var seqs []string

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			seqs = append(seqs, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading sequences: %w", err)
	}
	return seqs, nil
}
