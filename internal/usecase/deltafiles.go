package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/deltafi/deltafi-go/internal/domain"
)

// AggregateSourceFilename is the synthetic filename carried by a DeltaFile
// produced from a join.
const AggregateSourceFilename = "multiple"

// DeltaFilesService owns the DeltaFile lifecycle: ingress, action-event
// handling, manual resume/cancel, and the collect finalization callbacks the
// scheduler invokes. Writes to a single DeltaFile are serialized through
// optimistic-concurrency retries; there is no document lock.
type DeltaFilesService struct {
	repo       DeltaFileRepository
	machine    *StateMachine
	flows      *FlowRegistry
	dispatcher ActionDispatcher
	notifier   EventNotifier
	conf       domain.CoreConfig
}

func NewDeltaFilesService(
	repo DeltaFileRepository,
	machine *StateMachine,
	flows *FlowRegistry,
	dispatcher ActionDispatcher,
	notifier EventNotifier,
	conf domain.CoreConfig,
) *DeltaFilesService {
	return &DeltaFilesService{
		repo:       repo,
		machine:    machine,
		flows:      flows,
		dispatcher: dispatcher,
		notifier:   notifier,
		conf:       conf,
	}
}

// Ingress creates a DeltaFile, advances it into its flow and dispatches the
// first action.
func (s *DeltaFilesService) Ingress(ctx context.Context, source domain.SourceInfo, content []domain.Content) (*domain.DeltaFile, error) {
	ctx, span := tracer.Start(ctx, "DeltaFiles.Ingress")
	defer span.End()

	now := time.Now().UTC()
	for i := range content {
		if content[i].Fingerprint == "" {
			content[i].Fingerprint = fingerprint(content[i])
		}
	}
	df := &domain.DeltaFile{
		Did:        uuid.NewString(),
		SourceInfo: source,
		Stage:      domain.StageIngress,
		Content:    content,
		Created:    now,
		Modified:   now,
	}

	inputs, err := s.machine.Advance(ctx, df, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.repo.Insert(ctx, df); err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "failed to persist deltafile")
	}

	s.dispatch(ctx, inputs, now)
	s.notify(ctx, df)
	return df, nil
}

func (s *DeltaFilesService) Get(ctx context.Context, did string) (*domain.DeltaFile, error) {
	return s.repo.Get(ctx, did)
}

// fingerprint derives a stable content identity from the reference fields.
// Payload bytes are never read here; the reference is the identity.
func fingerprint(c domain.Content) string {
	h := xxh3.Hash([]byte(c.Name + "\x00" + c.Reference + "\x00" + strconv.FormatInt(c.Size, 10)))
	return strconv.FormatUint(h, 16)
}

// HandleActionEvent applies a worker's completion report. A report for an
// attempt that is no longer current is a no-op: requeued work may produce a
// second, late report, and applying it twice would corrupt history. A
// version conflict means another event for the same file won the write; the
// whole transition is recomputed from the fresh document.
func (s *DeltaFilesService) HandleActionEvent(ctx context.Context, event domain.ActionEvent) error {
	ctx, span := tracer.Start(ctx, "DeltaFiles.HandleActionEvent")
	defer span.End()

	for attempt := 0; ; attempt++ {
		df, err := s.repo.Get(ctx, event.Did)
		if err != nil {
			span.RecordError(err)
			return err
		}

		if df.Stage == domain.StageCancelled {
			slog.DebugContext(ctx, "Dropping event for cancelled deltafile",
				slog.String("did", event.Did),
				slog.String("module", "deltafiles"),
			)
			return nil
		}

		now := time.Now().UTC()
		var applied bool
		switch event.Result {
		case domain.EventResultComplete:
			applied = df.CompleteAction(event.ActionName, now)
		case domain.EventResultError:
			applied = df.ErrorAction(event.ActionName, event.ErrorCause, event.ErrorContext, now)
		case domain.EventResultFilter:
			applied = df.FilterAction(event.ActionName, now)
		default:
			return fmt.Errorf("unknown event result %q", event.Result)
		}
		if !applied {
			slog.DebugContext(ctx, "Ignoring stale action event",
				slog.String("did", event.Did),
				slog.String("action", event.ActionName),
				slog.String("module", "deltafiles"),
			)
			return nil
		}

		var inputs []domain.ActionInput
		if event.Result == domain.EventResultComplete {
			inputs, err = s.machine.Advance(ctx, df, now)
			if err != nil {
				span.RecordError(err)
				return err
			}
		}

		if err := s.repo.Save(ctx, df); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) && attempt < s.conf.SaveRetries {
				s.salvageCollectInputs(ctx, inputs, now)
				continue
			}
			span.RecordError(err)
			return err
		}

		if event.Result == domain.EventResultComplete {
			if err := s.completeCollect(ctx, df, event.ActionName, now); err != nil {
				span.RecordError(err)
				return err
			}
		}

		s.dispatch(ctx, inputs, now)
		s.notify(ctx, df)
		return nil
	}
}

// Resume retries every errored action on a DeltaFile and returns the retried
// action names. Fresh attempts come from the state-machine advance, so a
// retried collect action re-enters its join group.
func (s *DeltaFilesService) Resume(ctx context.Context, did string) ([]string, error) {
	for attempt := 0; ; attempt++ {
		df, err := s.repo.Get(ctx, did)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		names := df.RetryErrors(now)
		if len(names) == 0 {
			return nil, nil
		}

		inputs, err := s.machine.Advance(ctx, df, now)
		if err != nil {
			return nil, err
		}

		if err := s.repo.Save(ctx, df); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) && attempt < s.conf.SaveRetries {
				s.salvageCollectInputs(ctx, inputs, now)
				continue
			}
			return nil, err
		}

		s.dispatch(ctx, inputs, now)
		s.notify(ctx, df)
		return names, nil
	}
}

// Cancel terminates a DeltaFile. Outstanding completion reports for it are
// dropped as stale when they arrive.
func (s *DeltaFilesService) Cancel(ctx context.Context, did string) error {
	for attempt := 0; ; attempt++ {
		df, err := s.repo.Get(ctx, did)
		if err != nil {
			return err
		}

		if !df.Cancel(time.Now().UTC()) {
			return nil
		}

		if err := s.repo.Save(ctx, df); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) && attempt < s.conf.SaveRetries {
				continue
			}
			return err
		}

		s.notify(ctx, df)
		return nil
	}
}

// QueueTimedOutCollect resolves a timed-out group that met its quorum:
// materialize the aggregate and dispatch the collect action against it.
func (s *DeltaFilesService) QueueTimedOutCollect(ctx context.Context, entry *domain.CollectEntry, dids []string) error {
	flow, ok := s.flows.Lookup(entry.Definition.Flow)
	if !ok || flow.ActionConfiguration(entry.Definition.Action) == nil {
		slog.WarnContext(ctx, "Timed-out collect could not run: action is no longer configured",
			slog.String("flow", entry.Definition.Flow),
			slog.String("action", entry.Definition.Action),
			slog.String("module", "deltafiles"),
		)
		return nil
	}

	now := time.Now().UTC()
	s.dispatch(ctx, []domain.ActionInput{{
		Flow:          entry.Definition.Flow,
		ActionName:    entry.Definition.Action,
		Type:          entry.Definition.ActionType,
		Queued:        now,
		CollectedDids: dids,
	}}, now)
	return nil
}

// FailTimedOutCollect errors the collect action on every contributing
// DeltaFile. Files that cannot be updated are logged, never retried here;
// a later resume re-enters the join from scratch.
func (s *DeltaFilesService) FailTimedOutCollect(ctx context.Context, entry *domain.CollectEntry, dids []string, reason string) error {
	slog.DebugContext(ctx, "Failing collect action",
		slog.String("flow", entry.Definition.Flow),
		slog.String("action", entry.Definition.Action),
		slog.String("module", "deltafiles"),
	)

	var missing []string
	for _, did := range dids {
		err := s.failCollectAction(ctx, did, entry.Definition.Action, reason)
		if errors.Is(err, domain.ErrNotFound) {
			missing = append(missing, did)
			continue
		}
		if err != nil {
			slog.WarnContext(ctx, "Unable to record failed collect action",
				slog.String("did", did),
				slog.String("error", err.Error()),
				slog.String("module", "deltafiles"),
			)
		}
	}

	if len(missing) > 0 {
		slog.WarnContext(ctx, fmt.Sprintf("DeltaFiles missing during failed collect: %v", missing),
			slog.String("module", "deltafiles"),
		)
	}
	return nil
}

func (s *DeltaFilesService) failCollectAction(ctx context.Context, did, action, reason string) error {
	for attempt := 0; ; attempt++ {
		df, err := s.repo.Get(ctx, did)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !df.ErrorAction(action, "Failed collect", reason, now) {
			return nil
		}

		err = s.repo.Save(ctx, df)
		if errors.Is(err, domain.ErrVersionConflict) && attempt < s.conf.SaveRetries {
			continue
		}
		if err == nil {
			s.notify(ctx, df)
		}
		return err
	}
}

// completeCollect fans an aggregate's finished collect action back to its
// parents: each parent records the child, completes its parked COLLECTING
// action and ends its own flow.
func (s *DeltaFilesService) completeCollect(ctx context.Context, df *domain.DeltaFile, actionName string, now time.Time) error {
	if !df.Aggregate {
		return nil
	}
	flow, ok := s.flows.Lookup(df.SourceInfo.Flow)
	if !ok {
		return nil
	}
	cfg := flow.ActionConfiguration(actionName)
	if cfg == nil || cfg.Collect == nil {
		return nil
	}

	for _, parentDid := range df.ParentDids {
		if err := s.recordCollectedParent(ctx, parentDid, df.Did, actionName, now); err != nil {
			slog.WarnContext(ctx, "Unable to update collected parent",
				slog.String("did", parentDid),
				slog.String("error", err.Error()),
				slog.String("module", "deltafiles"),
			)
		}
	}
	return nil
}

func (s *DeltaFilesService) recordCollectedParent(ctx context.Context, parentDid, childDid, actionName string, now time.Time) error {
	for attempt := 0; ; attempt++ {
		parent, err := s.repo.Get(ctx, parentDid)
		if err != nil {
			return err
		}

		changed := false
		if !slices.Contains(parent.ChildDids, childDid) {
			parent.ChildDids = append(parent.ChildDids, childDid)
			changed = true
		}
		if parent.CompleteAction(actionName, now) {
			changed = true
		}
		if !changed {
			return nil
		}

		if _, err := s.machine.Advance(ctx, parent, now); err != nil {
			return err
		}

		err = s.repo.Save(ctx, parent)
		if errors.Is(err, domain.ErrVersionConflict) && attempt < s.conf.SaveRetries {
			continue
		}
		if err == nil {
			s.notify(ctx, parent)
		}
		return err
	}
}

// salvageCollectInputs rescues quota-reached collect dispatches from a
// version-conflict retry. Reaching the quota deletes the group entry, so the
// recomputed transition cannot rebuild the dispatch; dropping it would park
// the other contributors in COLLECTING forever. The input carries only the
// group definition and the collected dids, none of the state from the failed
// write, so it is dispatched as-is. The conflicted file re-enters the join on
// retry and completes through the aggregate fan-out like every other parent.
func (s *DeltaFilesService) salvageCollectInputs(ctx context.Context, inputs []domain.ActionInput, now time.Time) {
	for _, in := range inputs {
		if in.Did == "" && len(in.CollectedDids) > 0 {
			s.dispatch(ctx, []domain.ActionInput{in}, now)
		}
	}
}

// dispatch emits inputs onto the outbound queue. A collect input with no did
// is materialized into an aggregate DeltaFile first. Dispatch failures are
// logged, not escalated: the action stays QUEUED and the requeue sweep
// re-emits it.
func (s *DeltaFilesService) dispatch(ctx context.Context, inputs []domain.ActionInput, now time.Time) {
	for _, in := range inputs {
		if len(in.CollectedDids) > 0 && in.Did == "" {
			child, err := s.createAggregate(ctx, in, now)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to create aggregate deltafile",
					slog.String("flow", in.Flow),
					slog.String("action", in.ActionName),
					slog.String("error", err.Error()),
					slog.String("module", "deltafiles"),
				)
				continue
			}
			in.Did = child.Did
		}

		if err := s.dispatcher.Dispatch(ctx, []domain.ActionInput{in}); err != nil {
			slog.ErrorContext(ctx, "Failed to dispatch action; requeue sweep will re-deliver",
				slog.String("did", in.Did),
				slog.String("action", in.ActionName),
				slog.String("error", err.Error()),
				slog.String("module", "deltafiles"),
			)
		}
	}
}

func (s *DeltaFilesService) createAggregate(ctx context.Context, in domain.ActionInput, now time.Time) (*domain.DeltaFile, error) {
	child := &domain.DeltaFile{
		Did: uuid.NewString(),
		SourceInfo: domain.SourceInfo{
			Filename: AggregateSourceFilename,
			Flow:     in.Flow,
		},
		Stage:      in.Type.Stage(),
		ParentDids: in.CollectedDids,
		Aggregate:  true,
		Created:    now,
		Modified:   now,
	}
	child.QueueAction(in.ActionName, in.Type, now)

	if err := s.repo.Insert(ctx, child); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to persist aggregate deltafile")
	}
	s.notify(ctx, child)
	return child, nil
}

func (s *DeltaFilesService) notify(ctx context.Context, df *domain.DeltaFile) {
	err := s.notifier.Publish(ctx, domain.Event{
		Did:       df.Did,
		Stage:     df.Stage,
		Timestamp: df.Modified,
	})
	if err != nil {
		slog.DebugContext(ctx, "Failed to publish deltafile event",
			slog.String("did", df.Did),
			slog.String("error", err.Error()),
			slog.String("module", "deltafiles"),
		)
	}
}
