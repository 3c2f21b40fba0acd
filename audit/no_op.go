package audit

// NoOpLogger discards everything. It backs disabled audit configs so
// callers never branch on whether auditing is on.
type NoOpLogger struct{}

var _ Logger = (*NoOpLogger)(nil)

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
