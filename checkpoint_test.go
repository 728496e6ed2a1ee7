package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckpointRoundTrip(t *testing.T) {
	model := newTestModel(t, 1)
	path := filepath.Join(t.TempDir(), "model.bin")

	require.NoError(t, SaveCheckpoint(model, path))
	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)

	assert.Equal(t, model.Config(), loaded.Config())

	orig := model.Parameters()
	got := loaded.Parameters()
	require.Equal(t, len(orig), len(got))
	for i := range orig {
		assert.Equal(t, orig[i].data, got[i].data, "tensor %d", i)
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}

func TestLoadCheckpointTrailingData(t *testing.T) {
	model := newTestModel(t, 2)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, SaveCheckpoint(model, path))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = LoadCheckpoint(path)
	assert.ErrorContains(t, err, "trailing")
}

func TestPublishCheckpoint(t *testing.T) {
	model := newTestModel(t, 3)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, SaveCheckpoint(model, path))

	var gotPath string
	var gotBytes int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		n, _ := countBody(r)
		gotBytes = n
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := PublishCheckpoint(context.Background(), srv.Client(), srv.URL, path, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, "/model.bin", gotPath)
	info, _ := os.Stat(path)
	assert.Equal(t, info.Size(), gotBytes)
}

func TestPublishCheckpointRetriesServerErrors(t *testing.T) {
	model := newTestModel(t, 4)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, SaveCheckpoint(model, path))

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := PublishCheckpoint(context.Background(), srv.Client(), srv.URL, path, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPublishCheckpointGivesUpOnClientError(t *testing.T) {
	model := newTestModel(t, 5)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, SaveCheckpoint(model, path))

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := PublishCheckpoint(context.Background(), srv.Client(), srv.URL, path, zap.NewNop())

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "4xx responses must not be retried")
}

func countBody(r *http.Request) (int64, error) {
	var n int64
	buf := make([]byte, 32*1024)
	for {
		m, err := r.Body.Read(buf)
		n += int64(m)
		if err != nil {
			return n, nil
		}
	}
}
