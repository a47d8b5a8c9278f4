package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// minArmDelay keeps the timer from busy-firing on deadlines in the past.
const minArmDelay = time.Second

// CollectScheduler guarantees every join group is eventually finalized, even
// one that never fills. It is a single-goroutine actor: one outstanding
// timer, re-armed from the store's earliest deadline, with a coalescing wake
// channel so join paths and the lock-recovery sweep can nudge it without
// racing the timer callback.
type CollectScheduler struct {
	store     CollectEntryStore
	finalizer CollectFinalizer
	wake      chan struct{}
}

func NewCollectScheduler(store CollectEntryStore) *CollectScheduler {
	return &CollectScheduler{
		store: store,
		wake:  make(chan struct{}, 1),
	}
}

// SetFinalizer must be called before Run. It exists because the finalizer
// (the DeltaFiles service) also needs the scheduler as its deadline
// notifier; the cycle is broken here at wiring time.
func (s *CollectScheduler) SetFinalizer(f CollectFinalizer) {
	s.finalizer = f
}

// OnNewDeadline signals that a group was created or unlocked and the armed
// timer may now be too late. The run loop re-reads the store, so the value
// itself does not travel.
func (s *CollectScheduler) OnNewDeadline(time.Time) {
	s.nudge()
}

// ScheduleNext re-arms the timer from the store's current earliest deadline.
func (s *CollectScheduler) ScheduleNext() {
	s.nudge()
}

func (s *CollectScheduler) nudge() {
	// A pending wake already forces a re-read; dropping extras is safe.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run owns the timer until ctx is cancelled. All finalization work happens
// on this goroutine; exactly one timer fire executes at a time.
func (s *CollectScheduler) Run(ctx context.Context) {
	timer := time.NewTimer(minArmDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
	}

	rearm := func() {
		disarm()
		next, err := s.store.NextCollectDate(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to read next collect deadline",
				slog.String("error", err.Error()),
				slog.String("module", "collect-scheduler"),
			)
			timer.Reset(5 * time.Second)
			armed = true
			return
		}
		if next == nil {
			return
		}
		delay := time.Until(*next)
		if delay < minArmDelay {
			delay = minArmDelay
		}
		timer.Reset(delay)
		armed = true
	}

	rearm()
	for {
		select {
		case <-ctx.Done():
			disarm()
			return
		case <-timer.C:
			armed = false
			s.finalizeExpired(ctx)
			rearm()
		case <-s.wake:
			rearm()
		}
	}
}

// finalizeExpired claims and resolves every group whose deadline has passed.
// A single wake may finalize several groups. Each entry is deleted only
// after its callback succeeds; on failure the entry stays locked and the
// unlock sweep makes it eligible again, so the sequence re-runs from scratch
// and the group is finalized exactly once overall.
func (s *CollectScheduler) finalizeExpired(ctx context.Context) {
	for {
		entry, err := s.store.LockOneBefore(ctx, time.Now().UTC())
		if err != nil {
			slog.ErrorContext(ctx, "Failed to lock timed-out collect entry",
				slog.String("error", err.Error()),
				slog.String("module", "collect-scheduler"),
			)
			return
		}
		if entry == nil {
			return
		}

		dids, err := s.store.CollectedDids(ctx, entry.ID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load collected dids",
				slog.String("entryId", entry.ID),
				slog.String("error", err.Error()),
				slog.String("module", "collect-scheduler"),
			)
			return
		}

		if entry.Count < entry.MinNum {
			reason := fmt.Sprintf("Collect incomplete: Timed out after receiving %d of %d files",
				entry.Count, entry.MaxNum)
			err = s.finalizer.FailTimedOutCollect(ctx, entry, dids, reason)
		} else {
			err = s.finalizer.QueueTimedOutCollect(ctx, entry, dids)
		}
		if err != nil {
			slog.ErrorContext(ctx, "Failed to finalize timed-out collect entry",
				slog.String("entryId", entry.ID),
				slog.String("error", err.Error()),
				slog.String("module", "collect-scheduler"),
			)
			return
		}

		if err := s.store.Delete(ctx, entry.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to delete finalized collect entry",
				slog.String("entryId", entry.ID),
				slog.String("error", err.Error()),
				slog.String("module", "collect-scheduler"),
			)
			return
		}
	}
}
