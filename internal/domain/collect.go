package domain

import "time"

// CollectDefinition identifies the join bucket a DeltaFile belongs to.
// Equality is structural; the store keeps a uniqueness constraint over it.
type CollectDefinition struct {
	Flow         string     `json:"flow"`
	Stage        Stage      `json:"stage"`
	ActionType   ActionType `json:"actionType"`
	Action       string     `json:"action"`
	CollectGroup string     `json:"collectGroup"`
}

// CollectEntry is one live join group. MinNum/MaxNum/CollectDate are fixed at
// creation; Count grows with each arrival. A locked entry is owned by exactly
// one caller until it is unlocked or deleted.
type CollectEntry struct {
	ID          string
	Definition  CollectDefinition
	CollectDate time.Time
	MinNum      int
	MaxNum      int
	Count       int
	Locked      bool
	LockedTime  time.Time
}

// CollectConfig is the per-action join configuration resolved from the flow.
type CollectConfig struct {
	MaxAge      time.Duration
	MinNum      int
	MaxNum      int
	MetadataKey string
}

// DefaultCollectGroup buckets files whose flow carries no metadata key.
const DefaultCollectGroup = "DEFAULT"

// Group resolves the collect group for a DeltaFile from its source metadata.
func (c CollectConfig) Group(d *DeltaFile) string {
	if c.MetadataKey == "" {
		return DefaultCollectGroup
	}
	if v, ok := d.SourceInfo.Metadata[c.MetadataKey]; ok && v != "" {
		return v
	}
	return DefaultCollectGroup
}
