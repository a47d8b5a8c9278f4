package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/deltafi/deltafi-go/internal/domain"
	"github.com/deltafi/deltafi-go/internal/infra/database/models"
)

// DeltaFileRepository persists DeltaFile documents with per-document
// optimistic concurrency. A small in-process cache fronts reads; entries are
// written through on save and dropped on a version conflict so the retrying
// caller re-reads the winning version from the database.
type DeltaFileRepository struct {
	db    *gorm.DB
	cache *cache.Cache
}

func NewDeltaFileRepository(db *gorm.DB, ttl time.Duration) *DeltaFileRepository {
	return &DeltaFileRepository{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *DeltaFileRepository) Get(ctx context.Context, did string) (*domain.DeltaFile, error) {
	if cached, found := r.cache.Get(did); found {
		m := cached.(models.DeltaFile)
		return toDomainDeltaFile(m)
	}

	var m models.DeltaFile
	err := r.db.WithContext(ctx).Where("did = ?", did).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundError{Resource: "deltafile"}
	}
	if err != nil {
		return nil, err
	}

	r.cache.Set(did, m, cache.DefaultExpiration)
	return toDomainDeltaFile(m)
}

func (r *DeltaFileRepository) Insert(ctx context.Context, df *domain.DeltaFile) error {
	m, err := toModelDeltaFile(df)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	r.cache.Set(df.Did, m, cache.DefaultExpiration)
	return nil
}

// Save writes the document guarded by its version: the update matches only
// while the stored version equals the one this copy was read at. Zero rows
// affected means another writer won; the document's in-memory version is
// left untouched and VersionConflictError tells the caller to re-read.
func (r *DeltaFileRepository) Save(ctx context.Context, df *domain.DeltaFile) error {
	prev := df.Version
	df.Version = prev + 1

	m, err := toModelDeltaFile(df)
	if err != nil {
		df.Version = prev
		return err
	}

	res := r.db.WithContext(ctx).Model(&models.DeltaFile{}).
		Where("did = ? AND version = ?", df.Did, prev).
		Updates(map[string]any{
			"flow":          m.Flow,
			"stage":         m.Stage,
			"source_info":   m.SourceInfo,
			"actions":       m.Actions,
			"domains":       m.Domains,
			"enrichment":    m.Enrichment,
			"content":       m.Content,
			"annotations":   m.Annotations,
			"parent_dids":   m.ParentDids,
			"child_dids":    m.ChildDids,
			"aggregate":     m.Aggregate,
			"modified":      m.Modified,
			"version":       m.Version,
			"requeue_count": m.RequeueCount,
		})
	if res.Error != nil {
		df.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		df.Version = prev
		r.cache.Delete(df.Did)
		return domain.VersionConflictError{Did: df.Did}
	}

	r.cache.Set(df.Did, m, cache.DefaultExpiration)
	return nil
}

// FindStaleQueued returns in-flight DeltaFiles whose last write predates
// cutoff, oldest first. The sweep inspects their action sets for lost
// QUEUED attempts; the cache is bypassed so staleness is judged on what is
// actually persisted.
func (r *DeltaFileRepository) FindStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*domain.DeltaFile, error) {
	inFlight := []string{
		string(domain.StageIngress),
		string(domain.StageEnrich),
		string(domain.StageEgress),
	}

	var ms []models.DeltaFile
	err := r.db.WithContext(ctx).
		Where("stage IN ? AND modified < ?", inFlight, cutoff).
		Order("modified asc").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}

	out := make([]*domain.DeltaFile, 0, len(ms))
	for _, m := range ms {
		df, err := toDomainDeltaFile(m)
		if err != nil {
			return nil, err
		}
		out = append(out, df)
	}
	return out, nil
}

func toModelDeltaFile(df *domain.DeltaFile) (models.DeltaFile, error) {
	m := models.DeltaFile{
		Did:          df.Did,
		Flow:         df.SourceInfo.Flow,
		Stage:        string(df.Stage),
		Aggregate:    df.Aggregate,
		Created:      df.Created,
		Modified:     df.Modified,
		Version:      df.Version,
		RequeueCount: df.RequeueCount,
	}

	fields := []struct {
		value any
		dst   *string
	}{
		{df.SourceInfo, &m.SourceInfo},
		{df.Actions, &m.Actions},
		{df.Domains, &m.Domains},
		{df.Enrichment, &m.Enrichment},
		{df.Content, &m.Content},
		{df.Annotations, &m.Annotations},
		{df.ParentDids, &m.ParentDids},
		{df.ChildDids, &m.ChildDids},
	}
	for _, f := range fields {
		raw, err := json.Marshal(f.value)
		if err != nil {
			return models.DeltaFile{}, err
		}
		*f.dst = string(raw)
	}
	return m, nil
}

func toDomainDeltaFile(m models.DeltaFile) (*domain.DeltaFile, error) {
	df := domain.DeltaFile{
		Did:          m.Did,
		Stage:        domain.Stage(m.Stage),
		Aggregate:    m.Aggregate,
		Created:      m.Created,
		Modified:     m.Modified,
		Version:      m.Version,
		RequeueCount: m.RequeueCount,
	}

	fields := []struct {
		raw string
		dst any
	}{
		{m.SourceInfo, &df.SourceInfo},
		{m.Actions, &df.Actions},
		{m.Domains, &df.Domains},
		{m.Enrichment, &df.Enrichment},
		{m.Content, &df.Content},
		{m.Annotations, &df.Annotations},
		{m.ParentDids, &df.ParentDids},
		{m.ChildDids, &df.ChildDids},
	}
	for _, f := range fields {
		if f.raw == "" || f.raw == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, err
		}
	}
	return &df, nil
}
