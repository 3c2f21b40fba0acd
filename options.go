package skyvault

import (
	"fmt"
	"time"

	"github.com/mistic96/skyvault/audit"
	"github.com/mistic96/skyvault/internal/misc"
)

// Options configures the lifecycle store and delegation service.
type Options struct {
	// RetentionDays is the default key lifetime applied when StoreKey is
	// called without an explicit expiration. Defaults to 90.
	RetentionDays int `json:"retention_days"`

	// DisableAutoRotation turns off the automatic rotation of expired and
	// nearly-expired keys at retrieval time. Rotation is on by default.
	DisableAutoRotation bool `json:"disable_auto_rotation"`

	// BackupTier selects the backup tier for CreateBackup sweeps.
	BackupTier string `json:"backup_tier,omitempty"`

	// BackupRegion optionally routes backups to a secondary region.
	BackupRegion string `json:"backup_region,omitempty"`

	// EnableMemoryLock attempts to lock process memory to prevent key
	// material from being swapped to disk. Best effort.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Audit configures audit logging for lifecycle and delegation
	// operations.
	Audit audit.Config `json:"audit"`

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time `json:"-"`
}

// DefaultOptions returns Options with production defaults: 90-day retention,
// auto-rotation enabled, audit disabled.
func DefaultOptions() Options {
	return Options{
		RetentionDays: misc.DefaultRetentionDays,
	}
}

// Validate checks the options for consistency and fills defaults in place.
func (o *Options) Validate() error {
	if o.RetentionDays < 0 {
		return fmt.Errorf("retention days cannot be negative: %d", o.RetentionDays)
	}
	if o.RetentionDays == 0 {
		o.RetentionDays = misc.DefaultRetentionDays
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

// retention returns the configured retention window as a duration.
func (o *Options) retention() time.Duration {
	return time.Duration(o.RetentionDays) * 24 * time.Hour
}
