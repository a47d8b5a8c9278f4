package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deltafi/deltafi-go/internal/domain"
	"github.com/deltafi/deltafi-go/internal/infra/database/models"
)

type CollectEntryRepository struct {
	db *gorm.DB
}

func NewCollectEntryRepository(db *gorm.DB) *CollectEntryRepository {
	return &CollectEntryRepository{db: db}
}

// UpsertAndLock is the single compare-and-swap all join-group mutual
// exclusion rests on. One statement either inserts a locked entry with
// count=1, or locks-and-increments the existing unlocked entry for the same
// definition. A locked entry makes the conflict clause a no-op, reported as
// domain.ErrEntryLocked so the caller can back off and retry.
//
// CollectDate, MinNum and MaxNum are written only on insert; later arrivals'
// values are ignored. The returned entry is always locked and owned by the
// caller, which must unlock or delete it.
func (r *CollectEntryRepository) UpsertAndLock(ctx context.Context, def domain.CollectDefinition,
	collectDate time.Time, minNum, maxNum int) (*domain.CollectEntry, error) {

	now := time.Now().UTC()
	row := models.CollectEntry{
		ID:           uuid.NewString(),
		Flow:         def.Flow,
		Stage:        string(def.Stage),
		ActionType:   string(def.ActionType),
		Action:       def.Action,
		CollectGroup: def.CollectGroup,
		CollectDate:  collectDate,
		MinNum:       minNum,
		MaxNum:       maxNum,
		Count:        1,
		Locked:       true,
		LockedTime:   &now,
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "flow"}, {Name: "stage"}, {Name: "action_type"},
			{Name: "action"}, {Name: "collect_group"},
		},
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("collect_entries.locked = ?", false),
		}},
		DoUpdates: clause.Assignments(map[string]any{
			"locked":      true,
			"locked_time": now,
			"count":       gorm.Expr("collect_entries.count + 1"),
		}),
	}).Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrEntryLocked
	}

	// The upsert may have landed on a pre-existing row whose id and
	// creation-time fields differ from the insert candidate. Re-reading is
	// safe: the row is locked and nobody else can touch it.
	var m models.CollectEntry
	err := r.db.WithContext(ctx).
		Where("flow = ? AND stage = ? AND action_type = ? AND action = ? AND collect_group = ?",
			def.Flow, string(def.Stage), string(def.ActionType), def.Action, def.CollectGroup).
		Take(&m).Error
	if err != nil {
		return nil, err
	}

	entry := toDomainEntry(m)
	return &entry, nil
}

// LockOneBefore atomically claims one unlocked entry whose deadline has
// passed, earliest deadline first. Returns nil when there is none.
func (r *CollectEntryRepository) LockOneBefore(ctx context.Context, now time.Time) (*domain.CollectEntry, error) {
	sub := r.db.Model(&models.CollectEntry{}).
		Select("id").
		Where("locked = ? AND collect_date <= ?", false, now).
		Order("collect_date asc").
		Limit(1)

	var updated []models.CollectEntry
	res := r.db.WithContext(ctx).Model(&updated).
		Clauses(clause.Returning{}).
		Where("locked = ? AND id IN (?)", false, sub).
		Updates(map[string]any{"locked": true, "locked_time": now.UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if len(updated) == 0 {
		return nil, nil
	}

	entry := toDomainEntry(updated[0])
	return &entry, nil
}

// Unlock releases an entry back for further arrivals. Only ever called by
// the owner that most recently locked the row.
func (r *CollectEntryRepository) Unlock(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.CollectEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{"locked": false, "locked_time": nil}).Error
}

// UnlockBefore clears every lock held since before cutoff. This is the
// crash-recovery sweep; an entry still locked that long was orphaned by a
// dead finalizer.
func (r *CollectEntryRepository) UnlockBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.CollectEntry{}).
		Where("locked = ? AND locked_time < ?", true, cutoff).
		Updates(map[string]any{"locked": false, "locked_time": nil})
	return res.RowsAffected, res.Error
}

// Delete removes a finalized entry; its did associations cascade with it.
func (r *CollectEntryRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.CollectEntry{}, "id = ?", id).Error
}

// AddDid records a contributing DeltaFile. Idempotent per (entry, did).
func (r *CollectEntryRepository) AddDid(ctx context.Context, entryID, did string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(&models.CollectEntryDid{
		CollectEntryID: entryID,
		Did:            did,
	}).Error
}

// CollectedDids lists the DeltaFiles joined into an entry.
func (r *CollectEntryRepository) CollectedDids(ctx context.Context, entryID string) ([]string, error) {
	var dids []string
	err := r.db.WithContext(ctx).Model(&models.CollectEntryDid{}).
		Where("collect_entry_id = ?", entryID).
		Order("c_date asc").
		Pluck("did", &dids).Error
	return dids, err
}

// NextCollectDate returns the earliest deadline among unlocked entries, or
// nil when none exist. Locked entries are excluded: they are either being
// finalized right now or will be recovered by the unlock sweep, which nudges
// the scheduler afterward.
func (r *CollectEntryRepository) NextCollectDate(ctx context.Context) (*time.Time, error) {
	var m models.CollectEntry
	err := r.db.WithContext(ctx).
		Where("locked = ?", false).
		Order("collect_date asc").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := m.CollectDate
	return &t, nil
}

func toDomainEntry(m models.CollectEntry) domain.CollectEntry {
	entry := domain.CollectEntry{
		ID: m.ID,
		Definition: domain.CollectDefinition{
			Flow:         m.Flow,
			Stage:        domain.Stage(m.Stage),
			ActionType:   domain.ActionType(m.ActionType),
			Action:       m.Action,
			CollectGroup: m.CollectGroup,
		},
		CollectDate: m.CollectDate,
		MinNum:      m.MinNum,
		MaxNum:      m.MaxNum,
		Count:       m.Count,
		Locked:      m.Locked,
	}
	if m.LockedTime != nil {
		entry.LockedTime = *m.LockedTime
	}
	return entry
}
