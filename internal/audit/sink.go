// Package audit holds the append-only stores that receive one record per run.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/ZanzyTHEbar/errbuilder-go"
)

// MemorySink keeps records in memory, partitioned by organization.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string][]dagengine.AuditRecord
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]dagengine.AuditRecord)}
}

// Record implements dagengine.AuditSink.
func (s *MemorySink) Record(ctx context.Context, organizationID string, record dagengine.AuditRecord) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[organizationID] = append(s.records[organizationID], record)
	return nil
}

// Records returns a copy of the records stored for an organization, oldest first.
func (s *MemorySink) Records(organizationID string) []dagengine.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dagengine.AuditRecord, len(s.records[organizationID]))
	copy(out, s.records[organizationID])
	return out
}

// FileSink appends records as JSON lines to a file. Every line carries the
// organization id, so one file can serve many tenants.
type FileSink struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewFileSink returns a sink appending to path. The file is created on first write.
func NewFileSink(path string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{path: path, logger: logger}
}

// Record implements dagengine.AuditSink.
func (s *FileSink) Record(ctx context.Context, organizationID string, record dagengine.AuditRecord) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	record.OrganizationID = organizationID
	line, err := json.Marshal(record)
	if err != nil {
		return errbuilder.GenericErr("failed to encode audit record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errbuilder.GenericErr(fmt.Sprintf("failed to open audit file %s", s.path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errbuilder.GenericErr("failed to write audit record", err)
	}
	s.logger.Debug("Audit record written", "execution_id", record.ExecutionID, "organization_id", organizationID, "path", s.path)
	return nil
}

// ReadFile loads every record from a JSON lines audit file.
func ReadFile(path string) ([]dagengine.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []dagengine.AuditRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var r dagengine.AuditRecord
		if err := dec.Decode(&r); err != nil {
			return out, fmt.Errorf("failed to decode audit record %d: %w", len(out), err)
		}
		out = append(out, r)
	}
	return out, nil
}
