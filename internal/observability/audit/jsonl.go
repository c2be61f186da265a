package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o600
)

// JSONLFileStore appends route records to a file as JSON lines.
type JSONLFileStore struct {
	Path     string
	DirMode  os.FileMode
	FileMode os.FileMode

	mu sync.Mutex
}

// AppendRouteRecord appends one validated record.
func (s *JSONLFileStore) AppendRouteRecord(_ context.Context, record RouteRecord) error {
	if s == nil {
		return fmt.Errorf("jsonl route audit store is required")
	}
	if s.Path == "" {
		return fmt.Errorf("route audit store path is required")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid route audit record: %w", err)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal route audit record: %w", err)
	}

	dirMode := s.DirMode
	if dirMode == 0 {
		dirMode = defaultDirMode
	}
	fileMode := s.FileMode
	if fileMode == 0 {
		fileMode = defaultFileMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.Path), dirMode); err != nil {
		return fmt.Errorf("create route audit directory: %w", err)
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open route audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("append route audit record: %w", err)
	}
	return nil
}

// ListByOpportunity scans the log for one opportunity's records.
func (s *JSONLFileStore) ListByOpportunity(_ context.Context, opportunityKey string) ([]RouteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RouteRecord, 0)
	f, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open route audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		var record RouteRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("decode route audit line %d: %w", line, err)
		}
		if record.OpportunityKey == opportunityKey {
			out = append(out, record)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read route audit log: %w", err)
	}
	return out, nil
}
