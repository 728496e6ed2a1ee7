package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Token shard files. A shard is a fixed 1 KiB header followed by raw tokens:
//
//	header: 256 little-endian int32s
//	  header[0] = 20240520   magic
//	  header[1] = 1          format version
//	  header[2] = N          token count
//	payload: N little-endian uint16 tokens
//
// The upstream pipeline that defined this format wrote uint16 tokens but its
// loader read them back as uint8, workable only while every token ID fit in
// one byte and the count happened to line up. This implementation commits to
// uint16 on both sides; version stays 1 because the writer side of the format
// is unchanged.
//
// ===========================================================================

const (
	shardMagic      = 20240520
	shardVersion    = 1
	shardHeaderInts = 256
	shardHeaderSize = shardHeaderInts * 4
)

var (
	// ErrShardMagic indicates a file that is not a token shard.
	ErrShardMagic = errors.New("shard: magic number mismatch")

	// ErrShardVersion indicates an unsupported shard format version.
	ErrShardVersion = errors.New("shard: unsupported version")

	// ErrShardTruncated indicates fewer payload tokens than the header claims.
	ErrShardTruncated = errors.New("shard: payload shorter than header token count")
)

// WriteShard writes tokens to path in the shard format.
func WriteShard(path string, tokens []uint16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating shard: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)

	header := make([]int32, shardHeaderInts)
	header[0] = shardMagic
	header[1] = shardVersion
	header[2] = int32(len(tokens))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("writing shard header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, tokens); err != nil {
		return fmt.Errorf("writing shard payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing shard: %w", err)
	}
	return nil
}

// ReadShard reads and validates one shard file.
func ReadShard(path string) ([]uint16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening shard: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)

	header := make([]int32, shardHeaderInts)
	if err := binary.Read(br, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("reading shard header: %w", err)
	}
	if header[0] != shardMagic {
		return nil, fmt.Errorf("%w: %s has magic %d", ErrShardMagic, path, header[0])
	}
	if header[1] != shardVersion {
		return nil, fmt.Errorf("%w: %s has version %d", ErrShardVersion, path, header[1])
	}
	count := int(header[2])
	if count < 0 {
		return nil, fmt.Errorf("%w: %s claims %d tokens", ErrShardTruncated, path, count)
	}

	tokens := make([]uint16, count)
	if err := binary.Read(br, binary.LittleEndian, tokens); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s", ErrShardTruncated, path)
		}
		return nil, fmt.Errorf("reading shard payload: %w", err)
	}
	return tokens, nil
}

// GlobShards returns the shard files matching pattern, sorted by name so
// that numbered shards load in order.
func GlobShards(pattern string) ([]string, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing shards: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no shards match %q", pattern)
	}
	sort.Strings(files)
	return files, nil
}

// ShardWriter accumulates a token stream and flushes numbered shard files of
// at most shardSize tokens, e.g. omgprot50_train_000003.bin. A document that
// straddles a shard boundary is split; the remainder opens the next shard.
type ShardWriter struct {
	dir       string
	name      string // dataset name, e.g. "omgprot50"
	split     string // "train", "valid", or "test"
	shardSize int

	buf   []uint16
	index int
	total int64
}

// NewShardWriter creates a writer for one dataset split. shardSize is the
// token capacity per shard file.
func NewShardWriter(dir, name, split string, shardSize int) (*ShardWriter, error) {
	if shardSize <= 0 {
		return nil, fmt.Errorf("shard size must be positive, got %d", shardSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating shard directory: %w", err)
	}
	return &ShardWriter{
		dir:       dir,
		name:      name,
		split:     split,
		shardSize: shardSize,
		buf:       make([]uint16, 0, shardSize),
	}, nil
}

// Append adds one document's tokens, flushing full shards as needed.
func (sw *ShardWriter) Append(tokens []uint16) error {
	sw.total += int64(len(tokens))
	for len(tokens) > 0 {
		space := sw.shardSize - len(sw.buf)
		n := len(tokens)
		if n > space {
			n = space
		}
		sw.buf = append(sw.buf, tokens[:n]...)
		tokens = tokens[n:]

		if len(sw.buf) == sw.shardSize {
			if err := sw.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes any partial final shard.
func (sw *ShardWriter) Close() error {
	if len(sw.buf) > 0 {
		return sw.flush()
	}
	return nil
}

// TotalTokens returns the number of tokens appended so far.
func (sw *ShardWriter) TotalTokens() int64 {
	return sw.total
}

// ShardCount returns the number of shard files written so far.
func (sw *ShardWriter) ShardCount() int {
	return sw.index
}

func (sw *ShardWriter) flush() error {
	path := filepath.Join(sw.dir, fmt.Sprintf("%s_%s_%06d.bin", sw.name, sw.split, sw.index))
	if err := WriteShard(path, sw.buf); err != nil {
		return err
	}
	sw.index++
	sw.buf = sw.buf[:0]
	return nil
}
