package models

import (
	"time"
)

// DeltaFile is the persisted document. Actions and payload metadata are
// stored as JSON text; the version column backs optimistic-concurrency
// writes (update guarded by did+version).
type DeltaFile struct {
	Did          string    `json:"did" gorm:"primaryKey;type:text"`
	Flow         string    `json:"flow" gorm:"type:text;index"`
	Stage        string    `json:"stage" gorm:"type:text;index:deltafile_stage_modified"`
	SourceInfo   string    `json:"sourceInfo" gorm:"type:text"`
	Actions      string    `json:"actions" gorm:"type:text"`
	Domains      string    `json:"domains" gorm:"type:text"`
	Enrichment   string    `json:"enrichment" gorm:"type:text"`
	Content      string    `json:"content" gorm:"type:text"`
	Annotations  string    `json:"annotations" gorm:"type:text"`
	ParentDids   string    `json:"parentDids" gorm:"type:text"`
	ChildDids    string    `json:"childDids" gorm:"type:text"`
	Aggregate    bool      `json:"aggregate" gorm:"type:boolean;not null;default:false"`
	Created      time.Time `json:"created" gorm:"type:timestamp with time zone;not null"`
	Modified     time.Time `json:"modified" gorm:"type:timestamp with time zone;not null;index:deltafile_stage_modified"`
	Version      int64     `json:"version" gorm:"not null;default:0"`
	RequeueCount int       `json:"requeueCount" gorm:"not null;default:0"`
}

// CollectEntry is one live join group. The unique index over the definition
// columns is what makes UpsertAndLock a single compare-and-swap: a second
// arrival lands on this row or conflicts, never creates a sibling.
type CollectEntry struct {
	ID           string     `json:"id" gorm:"primaryKey;type:text"`
	Flow         string     `json:"flow" gorm:"type:text;index:collect_definition,unique"`
	Stage        string     `json:"stage" gorm:"type:text;index:collect_definition,unique"`
	ActionType   string     `json:"actionType" gorm:"type:text;index:collect_definition,unique"`
	Action       string     `json:"action" gorm:"type:text;index:collect_definition,unique"`
	CollectGroup string     `json:"collectGroup" gorm:"type:text;index:collect_definition,unique"`
	CollectDate  time.Time  `json:"collectDate" gorm:"type:timestamp with time zone;not null;index"`
	MinNum       int        `json:"minNum" gorm:"not null"`
	MaxNum       int        `json:"maxNum" gorm:"not null"`
	Count        int        `json:"count" gorm:"not null;default:1"`
	Locked       bool       `json:"locked" gorm:"type:boolean;not null;default:false;index"`
	LockedTime   *time.Time `json:"lockedTime" gorm:"type:timestamp with time zone"`
}

// CollectEntryDid associates a contributing DeltaFile with its join group.
type CollectEntryDid struct {
	CollectEntryID string       `json:"collectEntryId" gorm:"type:text;primaryKey"`
	CollectEntry   CollectEntry `json:"-" gorm:"foreignKey:CollectEntryID;constraint:OnDelete:CASCADE;"`
	Did            string       `json:"did" gorm:"type:text;primaryKey"`
	CDate          time.Time    `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}
