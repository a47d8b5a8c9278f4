package usecase

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/deltafi/deltafi-go/internal/domain"
)

// StateMachine derives a DeltaFile's stage from its action history and the
// configured flow, and decides what to queue next. Stage is never set
// directly by callers; it always falls out of this walk, which keeps stage
// and actions consistent under concurrent event delivery.
type StateMachine struct {
	flows       *FlowRegistry
	coordinator *CollectCoordinator
	store       CollectEntryStore
	deadlines   DeadlineNotifier
}

func NewStateMachine(flows *FlowRegistry, coordinator *CollectCoordinator,
	store CollectEntryStore, deadlines DeadlineNotifier) *StateMachine {
	return &StateMachine{
		flows:       flows,
		coordinator: coordinator,
		store:       store,
		deadlines:   deadlines,
	}
}

// Advance walks the flow's actions in order and queues the first one without
// a settled attempt. Returned inputs are ready to dispatch, except a collect
// input with empty Did, which the caller materializes into an aggregate
// DeltaFile first.
func (m *StateMachine) Advance(ctx context.Context, df *domain.DeltaFile, now time.Time) ([]domain.ActionInput, error) {
	if df.Stage.Terminal() || df.Stage == domain.StageError {
		return nil, nil
	}

	flow, ok := m.flows.Lookup(df.SourceInfo.Flow)
	if !ok {
		return nil, fmt.Errorf("flow %s is not running", df.SourceInfo.Flow)
	}

	entered := !df.Aggregate
	for i := range flow.Actions {
		cfg := &flow.Actions[i]
		a := df.LastAction(cfg.Name)

		// An aggregate begins life at its collect action; everything before
		// the join point ran on the parents and is never queued here.
		if !entered {
			if cfg.Collect == nil && a == nil {
				continue
			}
			entered = true
		}

		switch {
		case a == nil || a.State == domain.ActionStateRetried:
			df.Stage = cfg.Type.Stage()
			return m.queue(ctx, &flow, cfg, df, now)

		case a.State == domain.ActionStateFiltered:
			df.Stage = domain.StageComplete
			return nil, nil

		case a.State == domain.ActionStateError:
			df.Stage = domain.StageError
			return nil, nil

		case a.State == domain.ActionStateComplete:
			if cfg.Collect != nil && !df.Aggregate {
				// A joined file ends here; the aggregate carries the flow on.
				df.Stage = domain.StageComplete
				return nil, nil
			}

		default:
			// QUEUED or COLLECTING: an attempt is in flight.
			df.Stage = cfg.Type.Stage()
			return nil, nil
		}
	}

	df.Stage = domain.StageComplete
	return nil, nil
}

func (m *StateMachine) queue(ctx context.Context, flow *domain.Flow,
	cfg *domain.ActionConfiguration, df *domain.DeltaFile, now time.Time) ([]domain.ActionInput, error) {

	if cfg.Collect == nil {
		df.QueueAction(cfg.Name, cfg.Type, now)
		return []domain.ActionInput{{
			Did:        df.Did,
			Flow:       flow.Name,
			ActionName: cfg.Name,
			Type:       cfg.Type,
			Queued:     now,
		}}, nil
	}

	if df.Aggregate {
		// Resuming a failed collect action on an aggregate: the group was
		// already merged, re-dispatch against the recorded parents.
		df.QueueAction(cfg.Name, cfg.Type, now)
		return []domain.ActionInput{{
			Did:           df.Did,
			Flow:          flow.Name,
			ActionName:    cfg.Name,
			Type:          cfg.Type,
			Queued:        now,
			CollectedDids: df.ParentDids,
		}}, nil
	}

	return m.collect(ctx, flow, cfg, df, now)
}

// collect registers the DeltaFile into its join group. Below quota the file
// parks in COLLECTING and the entry is released for further arrivals; at
// quota the group is finalized immediately and a collect dispatch for the
// joined dids is returned.
func (m *StateMachine) collect(ctx context.Context, flow *domain.Flow,
	cfg *domain.ActionConfiguration, df *domain.DeltaFile, now time.Time) ([]domain.ActionInput, error) {

	def := domain.CollectDefinition{
		Flow:         flow.Name,
		Stage:        cfg.Type.Stage(),
		ActionType:   cfg.Type,
		Action:       cfg.Name,
		CollectGroup: cfg.Collect.Group(df),
	}

	entry, err := m.coordinator.Join(ctx, def, now.Add(cfg.Collect.MaxAge),
		cfg.Collect.MinNum, cfg.Collect.MaxNum, df.Did)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to join collect group %s", def.CollectGroup)
	}

	df.CollectingAction(cfg.Name, cfg.Type, now)

	if entry.Count < entry.MaxNum {
		if err := m.store.Unlock(ctx, entry.ID); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to unlock collect entry")
		}
		if entry.Count == 1 {
			// First arrival created the group; its deadline may now be the
			// soonest the scheduler has to honor.
			m.deadlines.OnNewDeadline(entry.CollectDate)
		}
		return nil, nil
	}

	dids, err := m.store.CollectedDids(ctx, entry.ID)
	if err != nil {
		// Leave the entry locked; the unlock sweep recovers it and the
		// scheduler finalizes the full group at its deadline.
		return nil, pkgerrors.Wrap(err, "failed to load collected dids")
	}

	if err := m.store.Delete(ctx, entry.ID); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to delete collect entry")
	}
	m.deadlines.ScheduleNext()

	return []domain.ActionInput{{
		Flow:          flow.Name,
		ActionName:    cfg.Name,
		Type:          cfg.Type,
		Queued:        now,
		CollectedDids: dids,
	}}, nil
}
