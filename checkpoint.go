package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE: checkpoints
// ===========================================================================
//
// Checkpoints are a self-describing binary format:
//
//   [uint32: config JSON length][config JSON][tensor 0][tensor 1]...
//
// The JSON header carries the ModelConfig, so Load can rebuild the exact
// architecture before reading weights. Tensors follow in Parameters()
// order as raw little-endian float64, with no per-tensor framing, because the
// config fully determines every shape. A size mismatch therefore fails
// loudly at read time instead of producing a silently corrupt model.
//
// PublishCheckpoint uploads a saved file to a model hub over HTTP. Hub
// uploads flake, so it retries with backoff; training never blocks on it.
//
// ===========================================================================

// SaveCheckpoint writes the model to path atomically (temp file + rename).
func SaveCheckpoint(model *ESM, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriterSize(tmp, 1<<20)
	if err := writeCheckpoint(w, model); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

func writeCheckpoint(w io.Writer, model *ESM) error {
	configJSON, err := json.Marshal(model.Config())
	if err != nil {
		return fmt.Errorf("checkpoint: marshal config: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(configJSON))); err != nil {
		return fmt.Errorf("checkpoint: write header: %w", err)
	}
	if _, err := w.Write(configJSON); err != nil {
		return fmt.Errorf("checkpoint: write config: %w", err)
	}
	for i, p := range model.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("checkpoint: write tensor %d: %w", i, err)
		}
	}
	return nil
}

// LoadCheckpoint reads a model saved by SaveCheckpoint.
func LoadCheckpoint(path string) (*ESM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	var configLen uint32
	if err := binary.Read(r, binary.LittleEndian, &configLen); err != nil {
		return nil, fmt.Errorf("checkpoint: read header: %w", err)
	}
	if configLen == 0 || configLen > 1<<20 {
		return nil, fmt.Errorf("checkpoint: implausible config length %d", configLen)
	}

	configJSON := make([]byte, configLen)
	if _, err := io.ReadFull(r, configJSON); err != nil {
		return nil, fmt.Errorf("checkpoint: read config: %w", err)
	}

	var config ModelConfig
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("checkpoint: parse config: %w", err)
	}

	// Weights are overwritten below; the rng seed is irrelevant.
	model, err := NewESM(config, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: rebuild model: %w", err)
	}

	for i, p := range model.Parameters() {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return nil, fmt.Errorf("checkpoint: read tensor %d: %w", i, err)
		}
	}

	// Anything left over means the file disagrees with the config.
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("checkpoint: trailing data after last tensor")
	}
	return model, nil
}

// PublishCheckpoint uploads the checkpoint at path to baseURL/<name> via
// HTTP PUT, retrying transient failures.
func PublishCheckpoint(ctx context.Context, client *http.Client, baseURL, path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("publish: read checkpoint: %w", err)
	}
	url := fmt.Sprintf("%s/%s", baseURL, filepath.Base(path))

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/octet-stream")

			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("publish: server returned %s", resp.Status)
			default:
				return retry.Unrecoverable(fmt.Errorf("publish: server returned %s", resp.Status))
			}
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("checkpoint upload retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
