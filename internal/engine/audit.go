package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only audit record. Terminal item failures and
// validation resolutions are audited so rejected state changes leave a trail
// even though the engine persists nothing else.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	ItemID    string                 `json:"item_id,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Audit record kinds.
const (
	AuditItemFailed         = "item_failed"
	AuditValidationResolved = "validation_resolved"
)

// AuditLog appends JSON-lines audit records to a single file.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditLog opens (or creates) the audit log at path. An empty path
// returns a nil log; all AuditLog methods are nil-safe no-ops.
func NewAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f, path: path}, nil
}

// Append writes one entry. Write failures are returned but callers treat
// them as non-fatal; the audit trail never blocks the engine.
func (a *AuditLog) Append(kind, itemID string, detail map[string]interface{}) error {
	if a == nil {
		return nil
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		ItemID:    itemID,
		Detail:    detail,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
