package domain

import "time"

// CoreConfig carries the knobs the pipeline core consumes. Values come from
// the config file; zero values are replaced with these defaults at load time.
type CoreConfig struct {
	// AcquireLockTimeout bounds the coordinator's retry loop wall clock.
	AcquireLockTimeout time.Duration
	// LockBackoff is the sleep between upsert attempts under contention.
	LockBackoff time.Duration
	// RequeueDuration is the staleness threshold after which a QUEUED action
	// is re-dispatched.
	RequeueDuration time.Duration
	// MaxLockDuration is how long a collect entry may stay locked before the
	// sweeper assumes the finalizer crashed and unlocks it.
	MaxLockDuration time.Duration
	// LockCheckInterval is the sweeper's tick period.
	LockCheckInterval time.Duration
	// SaveRetries caps optimistic-concurrency retries per action event.
	SaveRetries int
	// CacheTTL bounds the in-process DeltaFile cache lifetime.
	CacheTTL time.Duration
}

const (
	DefaultAcquireLockTimeout = 30 * time.Second
	DefaultLockBackoff        = 50 * time.Millisecond
	DefaultRequeueDuration    = 5 * time.Minute
	DefaultMaxLockDuration    = time.Minute
	DefaultLockCheckInterval  = 30 * time.Second
	DefaultSaveRetries        = 10
	DefaultCacheTTL           = 5 * time.Minute
)

// WithDefaults fills unset fields.
func (c CoreConfig) WithDefaults() CoreConfig {
	if c.AcquireLockTimeout <= 0 {
		c.AcquireLockTimeout = DefaultAcquireLockTimeout
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = DefaultLockBackoff
	}
	if c.RequeueDuration <= 0 {
		c.RequeueDuration = DefaultRequeueDuration
	}
	if c.MaxLockDuration <= 0 {
		c.MaxLockDuration = DefaultMaxLockDuration
	}
	if c.LockCheckInterval <= 0 {
		c.LockCheckInterval = DefaultLockCheckInterval
	}
	if c.SaveRetries <= 0 {
		c.SaveRetries = DefaultSaveRetries
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}
