package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"buyscope/internal/model"
)

// JsonlStorage appends pool creations to a JSONL file. Safe for use by several scanners.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// PutPoolBatch appends one JSON line per pool.
func (s *JsonlStorage) PutPoolBatch(_ context.Context, pools []model.PoolCreation) error {
	if len(pools) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, pool := range pools {
		line, err := json.Marshal(pool)
		if err != nil {
			return fmt.Errorf("marshal pool record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write pool record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}

// Multi fans a batch out to several sinks and stops at the first error.
type Multi []PoolSink

func (m Multi) PutPoolBatch(ctx context.Context, pools []model.PoolCreation) error {
	for _, sink := range m {
		if err := sink.PutPoolBatch(ctx, pools); err != nil {
			return err
		}
	}
	return nil
}
