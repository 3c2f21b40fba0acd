//go:build windows

package mem

// VirtualLock pins pages one region at a time and needs working-set
// tuning to be useful; not worth it for a best-effort guard.
func lockAll() (Level, error) {
	return LevelPartial, nil
}

func unlockAll() error {
	return nil
}
