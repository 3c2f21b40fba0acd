//go:build windows

package audit

import "fmt"

// SyslogLogger is unavailable on Windows; log/syslog does not build
// there. Configure the file backend instead.
type SyslogLogger struct{}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on windows")
}

func (sl *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fmt.Errorf("syslog audit logging is not supported on windows")
}

func (sl *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("syslog audit logging is not supported on windows")
}

func (sl *SyslogLogger) Close() error {
	return nil
}
