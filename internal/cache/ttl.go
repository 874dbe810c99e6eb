package cache

import "time"

// Per-entity cache TTLs.
const (
	TTLAPIKey       = 600_000 * time.Millisecond
	TTLFolders      = 300_000 * time.Millisecond
	TTLFolderStatus = 120_000 * time.Millisecond
	TTLMessages     = 120_000 * time.Millisecond
	TTLMessageBody  = 604_800_000 * time.Millisecond
	TTLSender       = 600_000 * time.Millisecond
)

// PruneInterval is how often both tiers drop expired entries.
const PruneInterval = 5 * time.Minute
