package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	tokens := []uint16{TokCLS, 4, 5, 6, 300, TokEOS}

	require.NoError(t, WriteShard(path, tokens))
	got, err := ReadShard(path)

	require.NoError(t, err)
	assert.Equal(t, tokens, got)
}

func TestShardEmptyPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")

	require.NoError(t, WriteShard(path, nil))
	got, err := ReadShard(path)

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadShardBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	header := make([]int32, shardHeaderInts)
	header[0] = 99
	header[1] = shardVersion
	writeRawHeader(t, path, header, nil)

	_, err := ReadShard(path)

	assert.ErrorIs(t, err, ErrShardMagic)
}

func TestReadShardBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	header := make([]int32, shardHeaderInts)
	header[0] = shardMagic
	header[1] = 2
	writeRawHeader(t, path, header, nil)

	_, err := ReadShard(path)

	assert.ErrorIs(t, err, ErrShardVersion)
}

func TestReadShardTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	header := make([]int32, shardHeaderInts)
	header[0] = shardMagic
	header[1] = shardVersion
	header[2] = 100 // claims more tokens than the payload carries
	writeRawHeader(t, path, header, []uint16{1, 2, 3})

	_, err := ReadShard(path)

	assert.ErrorIs(t, err, ErrShardTruncated)
}

func TestShardWriterSplitsAtCapacity(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewShardWriter(dir, "omgprot50", "train", 10)
	require.NoError(t, err)

	// 24 tokens across three documents -> two full shards plus a remainder.
	for i := 0; i < 3; i++ {
		doc := make([]uint16, 8)
		for j := range doc {
			doc[j] = uint16(i*8 + j)
		}
		require.NoError(t, sw.Append(doc))
	}
	require.NoError(t, sw.Close())

	assert.Equal(t, int64(24), sw.TotalTokens())
	assert.Equal(t, 3, sw.ShardCount())

	files, err := GlobShards(filepath.Join(dir, "omgprot50_train_*.bin"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	var all []uint16
	for _, f := range files {
		tokens, err := ReadShard(f)
		require.NoError(t, err)
		all = append(all, tokens...)
	}
	require.Len(t, all, 24)
	for i, tok := range all {
		assert.Equal(t, uint16(i), tok, "token order must survive shard splits")
	}
}

func TestGlobShardsNoMatch(t *testing.T) {
	_, err := GlobShards(filepath.Join(t.TempDir(), "*.bin"))
	assert.Error(t, err)
}

func writeRawHeader(t *testing.T, path string, header []int32, payload []uint16) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, binary.Write(f, binary.LittleEndian, header))
	if len(payload) > 0 {
		require.NoError(t, binary.Write(f, binary.LittleEndian, payload))
	}
}
