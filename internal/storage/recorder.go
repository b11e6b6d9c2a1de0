package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const recorderQueueSize = 256

type recordedEvent struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
}

// Recorder appends replication events to a JSONL file. Record never
// blocks the caller; a full queue drops the event.
type Recorder struct {
	logger *zap.Logger
	file   *os.File
	enc    *json.Encoder

	queue chan recordedEvent
	done  chan struct{}

	mu  sync.Mutex
	seq int64
}

// NewRecorder opens (or creates) the recording file in append mode and
// starts the writer goroutine.
func NewRecorder(path string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	r := &Recorder{
		logger: logger,
		file:   f,
		enc:    json.NewEncoder(f),
		queue:  make(chan recordedEvent, recorderQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Record enqueues one event for capture.
func (r *Recorder) Record(event string, data interface{}) {
	r.mu.Lock()
	r.seq++
	evt := recordedEvent{
		Seq:       r.seq,
		Timestamp: time.Now().UTC(),
		Event:     event,
		Data:      data,
	}
	r.mu.Unlock()

	select {
	case r.queue <- evt:
	default:
		r.logger.Debug("recording queue full, dropping event", zap.String("event", event))
	}
}

// Close drains pending events and closes the file.
func (r *Recorder) Close() error {
	close(r.queue)
	<-r.done
	return r.file.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.queue {
		if err := r.enc.Encode(evt); err != nil {
			r.logger.Warn("recording write failed", zap.Error(err))
		}
	}
}
