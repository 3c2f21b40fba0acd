// Package mem provides best-effort locking of process memory so key
// material is not written to swap.
package mem

// Level reports how much of the process memory could be protected.
type Level int

const (
	// LevelNone means no protection could be applied.
	LevelNone Level = iota
	// LevelPartial means the platform could not pin memory but the
	// process continues; material is still wiped after use.
	LevelPartial
	// LevelFull means current and future pages are pinned in RAM.
	LevelFull
)

// Lock asks the OS to keep process memory resident. Any outcome short
// of an error is acceptable; platforms without support report
// LevelPartial rather than failing.
func Lock() (Level, error) {
	return lockAll()
}

// Unlock releases a previous Lock.
func Unlock() error {
	return unlockAll()
}
