// Package audit records key lifecycle, delegation and signing operations
// to a pluggable backend. Audit writes are best effort from the caller's
// point of view; operations never fail because their audit event could
// not be recorded.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConfigType names an audit backend.
type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Config selects and parameterizes an audit backend.
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    ConfigType             `json:"type"`
	Options map[string]interface{} `json:"options"`
}

// Logger is the audit backend contract.
type Logger interface {
	// Log records one operation. Metadata keys key_id, account, provider
	// and error are promoted to first-class event columns.
	Log(action string, success bool, metadata map[string]interface{}) error

	// Query returns recorded events matching the given filters. Backends
	// that cannot read their own output return an error.
	Query(options QueryOptions) (QueryResult, error)

	Close() error
}

// Event is one recorded operation.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	KeyID     string                 `json:"key_id,omitempty"`
	Account   string                 `json:"account,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions filters an audit query. Zero values match everything; a
// nil Success matches both outcomes.
type QueryOptions struct {
	Since   *time.Time
	Until   *time.Time
	Action  string
	Success *bool
	KeyID   string
	Account string
	Limit   int
	Offset  int
}

// QueryResult carries matched events, newest first.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger builds the backend selected by config. A nil or disabled
// config yields the no-op logger.
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	if keyID, ok := metadata["key_id"].(string); ok {
		event.KeyID = keyID
	}
	if account, ok := metadata["account"].(string); ok {
		event.Account = account
	}
	if provider, ok := metadata["provider"].(string); ok {
		event.Provider = provider
	}
	if errMsg, ok := metadata["error"].(string); ok {
		event.Error = errMsg
	}
	return event
}

func (e Event) matches(options QueryOptions) bool {
	if options.Since != nil && e.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && e.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && e.Action != options.Action {
		return false
	}
	if options.Success != nil && e.Success != *options.Success {
		return false
	}
	if options.KeyID != "" && e.KeyID != options.KeyID {
		return false
	}
	if options.Account != "" && e.Account != options.Account {
		return false
	}
	return true
}

// decodeOptions maps the free-form option bag onto a backend's typed
// option struct through JSON.
func decodeOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	if err = json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return nil
}
