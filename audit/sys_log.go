//go:build !windows

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

// SyslogOptions parameterize the syslog backend. Empty Network and
// Address use the local syslog socket.
type SyslogOptions struct {
	Network  string `json:"network"`
	Address  string `json:"address"`
	Priority int    `json:"priority"`
	Tag      string `json:"tag"`
}

// SyslogLogger forwards events to syslog as JSON payloads. Successes go
// out at INFO, failures at WARNING. Query is unsupported; syslog is
// write-only from the emitter's side.
type SyslogLogger struct {
	opts   SyslogOptions
	writer *syslog.Writer
}

var _ Logger = (*SyslogLogger)(nil)

// NewSyslogLogger connects to the configured syslog endpoint.
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := decodeOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if opts.Priority == 0 {
		opts.Priority = int(syslog.LOG_INFO | syslog.LOG_USER)
	}
	if opts.Tag == "" {
		opts.Tag = "skyvault-audit"
	}

	var writer *syslog.Writer
	var err error
	if opts.Network != "" && opts.Address != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, syslog.Priority(opts.Priority), opts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(opts.Priority), opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogLogger{opts: opts, writer: writer}, nil
}

// Log implements the Logger interface.
func (sl *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	payload, err := json.Marshal(newEvent(action, success, metadata))
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if success {
		return sl.writer.Info(string(payload))
	}
	return sl.writer.Warning(string(payload))
}

// Query is not supported for syslog-backed audit logging.
func (sl *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("query is not supported by the syslog audit logger")
}

// Close implements the Logger interface.
func (sl *SyslogLogger) Close() error {
	if sl.writer == nil {
		return nil
	}
	return sl.writer.Close()
}
