package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deltafi/deltafi-go/internal/domain"
)

// memCollectStore is a mutex-guarded in-memory CollectEntryStore with the
// same atomicity guarantees as the database implementation.
type memCollectStore struct {
	mu      sync.Mutex
	seq     int
	entries map[string]*memEntry
	byDef   map[domain.CollectDefinition]string
}

type memEntry struct {
	entry domain.CollectEntry
	dids  []string
}

func newMemCollectStore() *memCollectStore {
	return &memCollectStore{
		entries: make(map[string]*memEntry),
		byDef:   make(map[domain.CollectDefinition]string),
	}
}

func (s *memCollectStore) UpsertAndLock(ctx context.Context, def domain.CollectDefinition,
	collectDate time.Time, minNum, maxNum int) (*domain.CollectEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDef[def]; ok {
		e := s.entries[id]
		if e.entry.Locked {
			return nil, domain.ErrEntryLocked
		}
		e.entry.Locked = true
		e.entry.LockedTime = time.Now().UTC()
		e.entry.Count++
		cp := e.entry
		return &cp, nil
	}

	s.seq++
	id := fmt.Sprintf("entry-%d", s.seq)
	e := &memEntry{entry: domain.CollectEntry{
		ID:          id,
		Definition:  def,
		CollectDate: collectDate,
		MinNum:      minNum,
		MaxNum:      maxNum,
		Count:       1,
		Locked:      true,
		LockedTime:  time.Now().UTC(),
	}}
	s.entries[id] = e
	s.byDef[def] = id
	cp := e.entry
	return &cp, nil
}

func (s *memCollectStore) LockOneBefore(ctx context.Context, now time.Time) (*domain.CollectEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *memEntry
	for _, e := range s.entries {
		if e.entry.Locked || e.entry.CollectDate.After(now) {
			continue
		}
		if best == nil || e.entry.CollectDate.Before(best.entry.CollectDate) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.entry.Locked = true
	best.entry.LockedTime = time.Now().UTC()
	cp := best.entry
	return &cp, nil
}

func (s *memCollectStore) Unlock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.entry.Locked = false
	}
	return nil
}

func (s *memCollectStore) UnlockBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.entry.Locked && e.entry.LockedTime.Before(cutoff) {
			e.entry.Locked = false
			n++
		}
	}
	return n, nil
}

func (s *memCollectStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		delete(s.byDef, e.entry.Definition)
		delete(s.entries, id)
	}
	return nil
}

func (s *memCollectStore) AddDid(ctx context.Context, entryID, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return domain.NotFoundError{Resource: "collect entry"}
	}
	for _, d := range e.dids {
		if d == did {
			return nil
		}
	}
	e.dids = append(e.dids, did)
	return nil
}

func (s *memCollectStore) CollectedDids(ctx context.Context, entryID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, domain.NotFoundError{Resource: "collect entry"}
	}
	out := make([]string, len(e.dids))
	copy(out, e.dids)
	return out, nil
}

func (s *memCollectStore) NextCollectDate(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *time.Time
	for _, e := range s.entries {
		if e.entry.Locked {
			continue
		}
		d := e.entry.CollectDate
		if next == nil || d.Before(*next) {
			next = &d
		}
	}
	return next, nil
}

func (s *memCollectStore) get(id string) (domain.CollectEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.entry, true
	}
	return domain.CollectEntry{}, false
}

func (s *memCollectStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// memDeltaFileRepo is an in-memory DeltaFileRepository with optimistic
// version checking. forceConflicts makes the next N Saves fail without
// bumping the stored version, to exercise the retry loops.
type memDeltaFileRepo struct {
	mu             sync.Mutex
	files          map[string]*domain.DeltaFile
	forceConflicts int
	saves          int
}

func newMemDeltaFileRepo() *memDeltaFileRepo {
	return &memDeltaFileRepo{files: make(map[string]*domain.DeltaFile)}
}

func cloneDeltaFile(df *domain.DeltaFile) *domain.DeltaFile {
	cp := *df
	cp.Actions = append([]domain.Action(nil), df.Actions...)
	cp.ParentDids = append([]string(nil), df.ParentDids...)
	cp.ChildDids = append([]string(nil), df.ChildDids...)
	cp.Content = append([]domain.Content(nil), df.Content...)
	return &cp
}

func (r *memDeltaFileRepo) Get(ctx context.Context, did string) (*domain.DeltaFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	df, ok := r.files[did]
	if !ok {
		return nil, domain.NotFoundError{Resource: "deltafile"}
	}
	return cloneDeltaFile(df), nil
}

func (r *memDeltaFileRepo) Insert(ctx context.Context, df *domain.DeltaFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[df.Did] = cloneDeltaFile(df)
	return nil
}

func (r *memDeltaFileRepo) Save(ctx context.Context, df *domain.DeltaFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.forceConflicts > 0 {
		r.forceConflicts--
		return domain.VersionConflictError{Did: df.Did}
	}
	stored, ok := r.files[df.Did]
	if !ok {
		return domain.NotFoundError{Resource: "deltafile"}
	}
	if stored.Version != df.Version {
		return domain.VersionConflictError{Did: df.Did}
	}
	df.Version++
	r.files[df.Did] = cloneDeltaFile(df)
	return nil
}

func (r *memDeltaFileRepo) FindStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*domain.DeltaFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.DeltaFile
	for _, df := range r.files {
		if df.Stage.Terminal() || df.Stage == domain.StageError {
			continue
		}
		if !df.Modified.Before(cutoff) {
			continue
		}
		out = append(out, cloneDeltaFile(df))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type mockDispatcher struct {
	mu     sync.Mutex
	inputs []domain.ActionInput
}

func (m *mockDispatcher) Dispatch(ctx context.Context, inputs []domain.ActionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, inputs...)
	return nil
}

func (m *mockDispatcher) all() []domain.ActionInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ActionInput(nil), m.inputs...)
}

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockNotifier) Publish(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type mockDeadlines struct {
	mu        sync.Mutex
	deadlines []time.Time
	nexts     int
}

func (m *mockDeadlines) OnNewDeadline(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines = append(m.deadlines, t)
}

func (m *mockDeadlines) ScheduleNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nexts++
}

type finalized struct {
	entry  *domain.CollectEntry
	dids   []string
	reason string
}

type mockFinalizer struct {
	mu     sync.Mutex
	queued []finalized
	failed []finalized
}

func (m *mockFinalizer) QueueTimedOutCollect(ctx context.Context, entry *domain.CollectEntry, dids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, finalized{entry: entry, dids: dids})
	return nil
}

func (m *mockFinalizer) FailTimedOutCollect(ctx context.Context, entry *domain.CollectEntry, dids []string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, finalized{entry: entry, dids: dids, reason: reason})
	return nil
}
