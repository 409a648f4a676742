// Package sink provides a reference implementation of mediasink.RawSink for
// hosts that have no platform media element to bind to (this standalone
// binary, integration tests). It mirrors appended bytes to a file on disk so
// a developer can inspect what the engine would have handed a real
// MediaSource, rather than discarding them. A browser/embedder host binds
// mediasink.Adapter to its own SourceBuffer instead of this type.
package sink

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileSink appends every buffer it receives to a single file in order,
// simulating the append side of a MediaSource SourceBuffer without actually
// decoding or playing anything.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	log  *zap.SugaredLogger
}

// New creates a FileSink that truncates and writes to path.
func New(path string, log *zap.SugaredLogger) (*FileSink, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sink file: %w", err)
	}
	return &FileSink{file: f, log: log}, nil
}

// SetMimeType records the negotiated MIME type; a real SourceBuffer would
// fail here if the browser can't play it.
func (s *FileSink) SetMimeType(mime string) error {
	s.log.Debugw("sink mime type set", "mime", mime)
	return nil
}

// Append writes data to the backing file in the order it arrives, mirroring
// SourceBuffer.appendBuffer.
func (s *FileSink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.Write(data)
	return err
}

// Remove is a no-op: a flat file has no addressable time ranges to trim.
func (s *FileSink) Remove(start, end float64) error {
	s.log.Debugw("sink remove range (no-op)", "start", start, "end", end)
	return nil
}

// Abort cancels any in-progress append; nothing to cancel for a plain file
// write, so this is a no-op.
func (s *FileSink) Abort() {}

// Close releases the backing file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
