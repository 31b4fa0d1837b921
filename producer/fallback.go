package producer

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/relex/slog-relay/base"
)

// fallbackWriter appends emitted records as JSON lines to a local file, used
// only in development mode when the buffer rejects an enqueue
type fallbackWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

type fallbackLine struct {
	Timestamp string         `json:"timestamp"`
	StreamID  string         `json:"stream_id"`
	Severity  string         `json:"severity"`
	Sequence  uint64         `json:"sequence"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func newFallbackWriter(path string) (*fallbackWriter, error) {
	file, oerr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if oerr != nil {
		return nil, oerr
	}
	return &fallbackWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (fw *fallbackWriter) writeRecord(record *base.LogRecord) error {
	line, merr := json.Marshal(fallbackLine{
		Timestamp: record.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
		StreamID:  record.StreamID,
		Severity:  record.Severity.String(),
		Sequence:  record.Sequence,
		Fields:    record.Fields,
	})
	if merr != nil {
		return merr
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, werr := fw.writer.Write(line); werr != nil {
		return werr
	}
	if werr := fw.writer.WriteByte('\n'); werr != nil {
		return werr
	}
	return fw.writer.Flush()
}

func (fw *fallbackWriter) close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if ferr := fw.writer.Flush(); ferr != nil {
		return ferr
	}
	return fw.file.Close()
}
