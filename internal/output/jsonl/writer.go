// Package jsonl appends records to newline-delimited JSON files on a
// background goroutine so the hot path never blocks on disk.
package jsonl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const queueSize = 256

// Writer appends JSON lines to one file asynchronously.
type Writer struct {
	path   string
	logger *zap.Logger

	queue chan any
	done  chan struct{}
	once  sync.Once
}

// NewWriter opens (creating directories as needed) and starts the
// background writer.
func NewWriter(path string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		path:   path,
		logger: logger,
		queue:  make(chan any, queueSize),
		done:   make(chan struct{}),
	}
	go w.loop(file)
	return w, nil
}

// Write enqueues one record. A full queue drops the record rather than
// blocking the caller.
func (w *Writer) Write(record any) {
	select {
	case w.queue <- record:
	default:
		w.logger.Warn("jsonl_queue_full", zap.String("path", w.path))
	}
}

// Close drains the queue and closes the file. Safe to call more than once.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.queue)
		<-w.done
	})
}

func (w *Writer) loop(file *os.File) {
	defer close(w.done)
	defer file.Close()

	encoder := json.NewEncoder(file)
	for record := range w.queue {
		if err := encoder.Encode(record); err != nil {
			w.logger.Error("jsonl_write_failed",
				zap.String("path", w.path),
				zap.Error(err),
			)
		}
	}
}
