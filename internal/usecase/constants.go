package usecase

import "time"

const (
	// DefaultTransactionTimeout is the maximum duration for a local store transaction.
	DefaultTransactionTimeout = 10 * time.Second

	// DefaultBatchSize is how many queue entries a sync run dequeues at once.
	DefaultBatchSize = 25

	// DefaultMaxRetries is how often a failed entry is retried before it fails permanently.
	DefaultMaxRetries = 8

	// DefaultBackoffBase and DefaultBackoffCap bound the retry delay.
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 10 * time.Minute

	// DefaultLockTTL is the lifetime of a collaboration lock.
	DefaultLockTTL = 30 * time.Minute

	// SystemActor is recorded for changes made by the engine itself.
	SystemActor = "system"
)
