package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBenchSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("benchmark suite is slow")
	}

	suite := RunBenchSuite([]int{16}, 32, 1)

	require.NotEmpty(t, suite.Results)
	for _, r := range suite.Results {
		assert.Greater(t, r.AvgTime.Nanoseconds(), int64(0), r.Name)
	}

	path := filepath.Join(t.TempDir(), "bench.json")
	require.NoError(t, suite.SaveJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var loaded BenchSuite
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Len(t, loaded.Results, len(suite.Results))
}
