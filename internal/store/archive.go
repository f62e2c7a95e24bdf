package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/golang/snappy"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
)

// Archive appends acknowledged state events to a snappy-compressed JSONL file
// so the drone keeps a compact local history after the database is pruned.
type Archive struct {
	mu     sync.Mutex
	file   *os.File
	stream *snappy.Writer
	log    *logging.Logger
}

// OpenArchive opens (or creates) the archive at path in append mode.
func OpenArchive(path string, log *logging.Logger) (*Archive, error) {
	if log == nil {
		log = logging.L()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Archive{
		file:   file,
		stream: snappy.NewBufferedWriter(file),
		log:    log,
	}, nil
}

// Append writes one event as a compressed JSON line and flushes it.
func (a *Archive) Append(event messages.BackendStateMessage) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return os.ErrClosed
	}
	//1.- Write and flush together so a crash loses at most the current line.
	if _, err := a.stream.Write(append(data, '\n')); err != nil {
		return err
	}
	return a.stream.Flush()
}

// Close flushes and closes the underlying file.
func (a *Archive) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.log.Warn("failed to close archive stream", logging.Error(err))
		}
		a.stream = nil
	}
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}
