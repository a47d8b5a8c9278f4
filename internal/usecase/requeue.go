package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/deltafi/deltafi-go/internal/domain"
)

const staleQueuedBatchSize = 1000

// RequeueSweeper is the periodic safety net: it re-dispatches QUEUED actions
// whose workers went silent and releases collect-entry locks abandoned by a
// crashed process.
type RequeueSweeper struct {
	repo       DeltaFileRepository
	store      CollectEntryStore
	dispatcher ActionDispatcher
	scheduler  DeadlineNotifier
	conf       domain.CoreConfig
}

func NewRequeueSweeper(
	repo DeltaFileRepository,
	store CollectEntryStore,
	dispatcher ActionDispatcher,
	scheduler DeadlineNotifier,
	conf domain.CoreConfig,
) *RequeueSweeper {
	return &RequeueSweeper{
		repo:       repo,
		store:      store,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		conf:       conf,
	}
}

func (r *RequeueSweeper) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Starting requeue sweeper",
		slog.String("interval", r.conf.LockCheckInterval.String()),
		slog.String("module", "requeue"),
	)
	ticker := time.NewTicker(r.conf.LockCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping requeue sweeper", slog.String("module", "requeue"))
			return
		case <-ticker.C:
			r.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep runs one pass of both recovery duties.
func (r *RequeueSweeper) Sweep(ctx context.Context, now time.Time) {
	r.requeueStale(ctx, now)
	r.recoverLocks(ctx, now)
}

func (r *RequeueSweeper) requeueStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.conf.RequeueDuration)
	stale, err := r.repo.FindStaleQueued(ctx, cutoff, staleQueuedBatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to query stale deltafiles",
			slog.String("error", err.Error()),
			slog.String("module", "requeue"),
		)
		return
	}
	if len(stale) == 0 {
		return
	}

	requeued := 0
	for _, df := range stale {
		inputs := r.requeueActions(df, cutoff, now)
		if len(inputs) == 0 {
			continue
		}

		// Another writer touching the file means its actions are not
		// stale anymore; skip and let the next sweep re-evaluate.
		if err := r.repo.Save(ctx, df); err != nil {
			if !errors.Is(err, domain.ErrVersionConflict) {
				slog.WarnContext(ctx, "Failed to save requeued deltafile",
					slog.String("did", df.Did),
					slog.String("error", err.Error()),
					slog.String("module", "requeue"),
				)
			}
			continue
		}

		if err := r.dispatcher.Dispatch(ctx, inputs); err != nil {
			slog.ErrorContext(ctx, "Failed to dispatch requeued actions",
				slog.String("did", df.Did),
				slog.String("error", err.Error()),
				slog.String("module", "requeue"),
			)
			continue
		}
		requeued += len(inputs)
	}

	if requeued > 0 {
		slog.WarnContext(ctx, "Requeued stale actions",
			slog.Int("count", requeued),
			slog.String("threshold", r.conf.RequeueDuration.String()),
			slog.String("module", "requeue"),
		)
	}
}

// requeueActions refreshes every stale QUEUED action on the file and builds
// its dispatch inputs. An aggregate's collect action is re-dispatched with its
// parent dids so the worker sees the same payload as the original dispatch.
func (r *RequeueSweeper) requeueActions(df *domain.DeltaFile, cutoff, now time.Time) []domain.ActionInput {
	var inputs []domain.ActionInput
	for i := range df.Actions {
		a := &df.Actions[i]
		if a.State != domain.ActionStateQueued || a.Modified.After(cutoff) {
			continue
		}

		a.Modified = now
		a.Queued = now
		df.RequeueCount++
		df.Modified = now

		in := domain.ActionInput{
			Did:        df.Did,
			Flow:       df.SourceInfo.Flow,
			ActionName: a.Name,
			Type:       a.Type,
			Queued:     now,
		}
		if df.Aggregate {
			in.CollectedDids = df.ParentDids
		}
		inputs = append(inputs, in)
	}
	return inputs
}

// recoverLocks releases collect entries whose lock outlived MaxLockDuration.
// The owning process is presumed dead; any group it unlocked may already be
// overdue, so the scheduler is nudged to re-read its deadline.
func (r *RequeueSweeper) recoverLocks(ctx context.Context, now time.Time) {
	n, err := r.store.UnlockBefore(ctx, now.Add(-r.conf.MaxLockDuration))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to recover abandoned collect locks",
			slog.String("error", err.Error()),
			slog.String("module", "requeue"),
		)
		return
	}
	if n > 0 {
		slog.WarnContext(ctx, "Released abandoned collect entry locks",
			slog.Int64("count", n),
			slog.String("module", "requeue"),
		)
		r.scheduler.ScheduleNext()
	}
}
