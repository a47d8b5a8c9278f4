package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/deltafi/deltafi-go/internal/domain"
)

type serviceFixture struct {
	svc        *DeltaFilesService
	repo       *memDeltaFileRepo
	store      *memCollectStore
	dispatcher *mockDispatcher
	notifier   *mockNotifier
	deadlines  *mockDeadlines
}

func newServiceFixture(flows ...domain.Flow) *serviceFixture {
	repo := newMemDeltaFileRepo()
	store := newMemCollectStore()
	dispatcher := &mockDispatcher{}
	notifier := &mockNotifier{}
	deadlines := &mockDeadlines{}
	registry := NewFlowRegistry(flows)
	conf := domain.CoreConfig{AcquireLockTimeout: time.Second, LockBackoff: time.Millisecond, SaveRetries: 3}.WithDefaults()
	coordinator := NewCollectCoordinator(store, conf)
	machine := NewStateMachine(registry, coordinator, store, deadlines)
	svc := NewDeltaFilesService(repo, machine, registry, dispatcher, notifier, conf)
	return &serviceFixture{
		svc:        svc,
		repo:       repo,
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		deadlines:  deadlines,
	}
}

func TestIngressDispatchesFirstAction(t *testing.T) {
	f := newServiceFixture(linearFlow())

	df, err := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"},
		[]domain.Content{{Name: "a.bin", Size: 42, Reference: "s3://bucket/a"}})
	if err != nil {
		t.Fatalf("ingress failed: %v", err)
	}

	if df.Did == "" {
		t.Fatalf("expected a did")
	}
	if df.Content[0].Fingerprint == "" {
		t.Fatalf("expected content fingerprint to be filled in")
	}

	inputs := f.dispatcher.all()
	if len(inputs) != 1 || inputs[0].ActionName != "Transform" || inputs[0].Did != df.Did {
		t.Fatalf("unexpected dispatches: %+v", inputs)
	}

	stored, err := f.repo.Get(context.Background(), df.Did)
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if stored.Stage != domain.StageIngress {
		t.Fatalf("expected INGRESS, got %s", stored.Stage)
	}
}

func TestHandleActionEventCompleteAdvances(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df.Did, ActionName: "Transform", Result: domain.EventResultComplete,
	})
	if err != nil {
		t.Fatalf("handle event failed: %v", err)
	}

	inputs := f.dispatcher.all()
	if len(inputs) != 2 || inputs[1].ActionName != "Egress" {
		t.Fatalf("expected Egress dispatch, got %+v", inputs)
	}

	stored, _ := f.repo.Get(context.Background(), df.Did)
	if stored.Stage != domain.StageEgress {
		t.Fatalf("expected EGRESS, got %s", stored.Stage)
	}
}

func TestHandleActionEventStaleIsNoop(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	event := domain.ActionEvent{Did: df.Did, ActionName: "Transform", Result: domain.EventResultComplete}
	if err := f.svc.HandleActionEvent(context.Background(), event); err != nil {
		t.Fatalf("first event failed: %v", err)
	}

	before, _ := f.repo.Get(context.Background(), df.Did)
	dispatchesBefore := len(f.dispatcher.all())

	// A requeued worker reports the same completion again.
	if err := f.svc.HandleActionEvent(context.Background(), event); err != nil {
		t.Fatalf("duplicate event failed: %v", err)
	}

	after, _ := f.repo.Get(context.Background(), df.Did)
	if after.Version != before.Version {
		t.Fatalf("duplicate event must not write")
	}
	if len(f.dispatcher.all()) != dispatchesBefore {
		t.Fatalf("duplicate event must not dispatch")
	}
}

func TestHandleActionEventErrorStopsFlow(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df.Did, ActionName: "Transform", Result: domain.EventResultError,
		ErrorCause: "boom", ErrorContext: "stack",
	})
	if err != nil {
		t.Fatalf("handle event failed: %v", err)
	}

	stored, _ := f.repo.Get(context.Background(), df.Did)
	if stored.Stage != domain.StageError {
		t.Fatalf("expected ERROR, got %s", stored.Stage)
	}
	a := stored.LastAction("Transform")
	if a.State != domain.ActionStateError || a.ErrorCause != "boom" {
		t.Fatalf("unexpected action record: %+v", a)
	}
	if len(f.dispatcher.all()) != 1 {
		t.Fatalf("error must not dispatch further work")
	}
}

func TestHandleActionEventVersionConflictRetries(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	f.repo.mu.Lock()
	f.repo.forceConflicts = 2
	f.repo.mu.Unlock()

	err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df.Did, ActionName: "Transform", Result: domain.EventResultComplete,
	})
	if err != nil {
		t.Fatalf("handle event failed after conflicts: %v", err)
	}

	stored, _ := f.repo.Get(context.Background(), df.Did)
	if !stored.HasCompletedAction("Transform") {
		t.Fatalf("expected Transform completed after retry")
	}
}

func TestCollectQuotaCreatesAggregate(t *testing.T) {
	f := newServiceFixture(collectFlow(2, 2, time.Minute))

	df1, err := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "smoke"}, nil)
	if err != nil {
		t.Fatalf("first ingress failed: %v", err)
	}
	if len(f.dispatcher.all()) != 0 {
		t.Fatalf("below quota nothing should dispatch")
	}

	df2, err := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "b.bin", Flow: "smoke"}, nil)
	if err != nil {
		t.Fatalf("second ingress failed: %v", err)
	}

	inputs := f.dispatcher.all()
	if len(inputs) != 1 {
		t.Fatalf("expected one collect dispatch, got %+v", inputs)
	}
	in := inputs[0]
	if in.Did == "" || in.Did == df1.Did || in.Did == df2.Did {
		t.Fatalf("expected a fresh aggregate did, got %q", in.Did)
	}
	if len(in.CollectedDids) != 2 {
		t.Fatalf("expected both parents, got %v", in.CollectedDids)
	}

	agg, err := f.repo.Get(context.Background(), in.Did)
	if err != nil {
		t.Fatalf("aggregate missing: %v", err)
	}
	if !agg.Aggregate || agg.SourceInfo.Filename != AggregateSourceFilename {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if len(agg.ParentDids) != 2 {
		t.Fatalf("expected both parents recorded, got %v", agg.ParentDids)
	}
	if agg.LastAction("MergeFormat").State != domain.ActionStateQueued {
		t.Fatalf("expected collect action queued on the aggregate")
	}
}

func TestCompleteCollectFansToParents(t *testing.T) {
	f := newServiceFixture(collectFlow(2, 2, time.Minute))

	df1, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "smoke"}, nil)
	f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "b.bin", Flow: "smoke"}, nil)

	aggDid := f.dispatcher.all()[0].Did
	err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: aggDid, ActionName: "MergeFormat", Result: domain.EventResultComplete,
	})
	if err != nil {
		t.Fatalf("aggregate completion failed: %v", err)
	}

	agg, _ := f.repo.Get(context.Background(), aggDid)
	if agg.Stage != domain.StageComplete {
		t.Fatalf("expected aggregate COMPLETE, got %s", agg.Stage)
	}

	parent, _ := f.repo.Get(context.Background(), df1.Did)
	if parent.Stage != domain.StageComplete {
		t.Fatalf("expected parent COMPLETE, got %s", parent.Stage)
	}
	if len(parent.ChildDids) != 1 || parent.ChildDids[0] != aggDid {
		t.Fatalf("expected child recorded on parent, got %v", parent.ChildDids)
	}
	if !parent.HasCompletedAction("MergeFormat") {
		t.Fatalf("expected parked collect action completed on parent")
	}
}

func TestCollectFlowDrivesAggregateToEgress(t *testing.T) {
	f := newServiceFixture(smokeFlow(2, 2, time.Minute))

	df1, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "smoke"}, nil)
	df2, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "b.bin", Flow: "smoke"}, nil)

	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df1.Did, ActionName: "SmokeTransform", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("first transform completion failed: %v", err)
	}
	if len(f.dispatcher.all()) != 2 {
		t.Fatalf("below quota nothing new should dispatch, got %+v", f.dispatcher.all())
	}

	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df2.Did, ActionName: "SmokeTransform", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("second transform completion failed: %v", err)
	}

	inputs := f.dispatcher.all()
	if len(inputs) != 3 || inputs[2].ActionName != "MergeFormat" {
		t.Fatalf("expected collect dispatch at quota, got %+v", inputs)
	}
	aggDid := inputs[2].Did
	if aggDid == "" || aggDid == df1.Did || aggDid == df2.Did {
		t.Fatalf("expected a fresh aggregate did, got %q", aggDid)
	}

	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: aggDid, ActionName: "MergeFormat", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("aggregate completion failed: %v", err)
	}

	// The aggregate picks the flow up behind the join point; the transform
	// already ran on the parents.
	agg, _ := f.repo.Get(context.Background(), aggDid)
	if agg.Stage != domain.StageEgress {
		t.Fatalf("expected aggregate at EGRESS, got %s", agg.Stage)
	}
	if agg.LastAction("SmokeTransform") != nil {
		t.Fatalf("transform must not run on the aggregate")
	}
	inputs = f.dispatcher.all()
	if len(inputs) != 4 || inputs[3].ActionName != "SmokeEgress" || inputs[3].Did != aggDid {
		t.Fatalf("expected SmokeEgress dispatched to the aggregate, got %+v", inputs)
	}

	for _, did := range []string{df1.Did, df2.Did} {
		parent, _ := f.repo.Get(context.Background(), did)
		if parent.Stage != domain.StageComplete {
			t.Fatalf("expected parent %s COMPLETE, got %s", did, parent.Stage)
		}
		if len(parent.ChildDids) != 1 || parent.ChildDids[0] != aggDid {
			t.Fatalf("expected child recorded on parent, got %v", parent.ChildDids)
		}
	}

	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: aggDid, ActionName: "SmokeEgress", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("egress completion failed: %v", err)
	}
	agg, _ = f.repo.Get(context.Background(), aggDid)
	if agg.Stage != domain.StageComplete {
		t.Fatalf("expected aggregate COMPLETE, got %s", agg.Stage)
	}
}

func TestCollectDispatchSurvivesSaveConflict(t *testing.T) {
	f := newServiceFixture(smokeFlow(2, 2, time.Minute))

	df1, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "smoke"}, nil)
	df2, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "b.bin", Flow: "smoke"}, nil)

	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df1.Did, ActionName: "SmokeTransform", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("first transform completion failed: %v", err)
	}

	// The quota-reaching write loses its version race. The group entry is
	// already deleted by then, so the collect dispatch must not be dropped
	// with the failed write.
	f.repo.mu.Lock()
	f.repo.forceConflicts = 1
	f.repo.mu.Unlock()

	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df2.Did, ActionName: "SmokeTransform", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("second transform completion failed: %v", err)
	}

	var collects []domain.ActionInput
	for _, in := range f.dispatcher.all() {
		if in.ActionName == "MergeFormat" {
			collects = append(collects, in)
		}
	}
	if len(collects) != 1 {
		t.Fatalf("expected exactly one collect dispatch, got %+v", collects)
	}
	if len(collects[0].CollectedDids) != 2 {
		t.Fatalf("expected both dids on the dispatch, got %v", collects[0].CollectedDids)
	}

	agg, err := f.repo.Get(context.Background(), collects[0].Did)
	if err != nil {
		t.Fatalf("aggregate missing: %v", err)
	}
	if len(agg.ParentDids) != 2 {
		t.Fatalf("expected both parents recorded, got %v", agg.ParentDids)
	}

	// The conflicted file re-joined a fresh group on retry; the aggregate
	// fan-out completes it with the other parent.
	if err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: agg.Did, ActionName: "MergeFormat", Result: domain.EventResultComplete,
	}); err != nil {
		t.Fatalf("aggregate completion failed: %v", err)
	}
	for _, did := range []string{df1.Did, df2.Did} {
		parent, _ := f.repo.Get(context.Background(), did)
		if parent.Stage != domain.StageComplete {
			t.Fatalf("expected parent %s COMPLETE, got %s", did, parent.Stage)
		}
	}
}

func TestFailTimedOutCollectErrorsParents(t *testing.T) {
	f := newServiceFixture(collectFlow(2, 3, time.Minute))

	df1, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "smoke"}, nil)

	entry, err := f.store.LockOneBefore(context.Background(), time.Now().UTC().Add(2*time.Minute))
	if err != nil || entry == nil {
		t.Fatalf("expected to lock the seeded entry: %v", err)
	}

	reason := "Collect incomplete: Timed out after receiving 1 of 3 files"
	err = f.svc.FailTimedOutCollect(context.Background(), entry, []string{df1.Did, "gone"}, reason)
	if err != nil {
		t.Fatalf("fail collect failed: %v", err)
	}

	stored, _ := f.repo.Get(context.Background(), df1.Did)
	if stored.Stage != domain.StageError {
		t.Fatalf("expected ERROR, got %s", stored.Stage)
	}
	a := stored.LastAction("MergeFormat")
	if a.ErrorCause != "Failed collect" || a.ErrorContext != reason {
		t.Fatalf("unexpected error record: %+v", a)
	}
}

func TestQueueTimedOutCollectDispatches(t *testing.T) {
	f := newServiceFixture(collectFlow(2, 5, time.Minute))

	f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "smoke"}, nil)
	df2, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "b.bin", Flow: "smoke"}, nil)

	entry, err := f.store.LockOneBefore(context.Background(), time.Now().UTC().Add(2*time.Minute))
	if err != nil || entry == nil {
		t.Fatalf("expected to lock the seeded entry: %v", err)
	}
	dids, _ := f.store.CollectedDids(context.Background(), entry.ID)

	if err := f.svc.QueueTimedOutCollect(context.Background(), entry, dids); err != nil {
		t.Fatalf("queue collect failed: %v", err)
	}

	inputs := f.dispatcher.all()
	if len(inputs) != 1 {
		t.Fatalf("expected one dispatch, got %+v", inputs)
	}
	if len(inputs[0].CollectedDids) != 2 {
		t.Fatalf("expected both dids, got %v", inputs[0].CollectedDids)
	}
	if inputs[0].Did == df2.Did {
		t.Fatalf("dispatch must target a fresh aggregate")
	}
}

func TestQueueTimedOutCollectMissingFlow(t *testing.T) {
	f := newServiceFixture()

	entry := &domain.CollectEntry{Definition: testDefinition()}
	if err := f.svc.QueueTimedOutCollect(context.Background(), entry, []string{"d1"}); err != nil {
		t.Fatalf("expected missing flow to be tolerated: %v", err)
	}
	if len(f.dispatcher.all()) != 0 {
		t.Fatalf("missing flow must not dispatch")
	}
}

func TestResumeRequeuesErroredAction(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df.Did, ActionName: "Transform", Result: domain.EventResultError, ErrorCause: "boom",
	})

	names, err := f.svc.Resume(context.Background(), df.Did)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(names) != 1 || names[0] != "Transform" {
		t.Fatalf("expected Transform retried, got %v", names)
	}

	stored, _ := f.repo.Get(context.Background(), df.Did)
	if stored.Stage != domain.StageIngress {
		t.Fatalf("expected stage back to INGRESS, got %s", stored.Stage)
	}
	if stored.LastAction("Transform").State != domain.ActionStateQueued {
		t.Fatalf("expected fresh queued attempt")
	}

	inputs := f.dispatcher.all()
	if inputs[len(inputs)-1].ActionName != "Transform" {
		t.Fatalf("expected Transform re-dispatched, got %+v", inputs)
	}
}

func TestResumeWithoutErrors(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	names, err := f.svc.Resume(context.Background(), df.Did)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if names != nil {
		t.Fatalf("expected no retries, got %v", names)
	}
}

func TestCancelDropsLaterEvents(t *testing.T) {
	f := newServiceFixture(linearFlow())
	df, _ := f.svc.Ingress(context.Background(),
		domain.SourceInfo{Filename: "a.bin", Flow: "linear"}, nil)

	if err := f.svc.Cancel(context.Background(), df.Did); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	err := f.svc.HandleActionEvent(context.Background(), domain.ActionEvent{
		Did: df.Did, ActionName: "Transform", Result: domain.EventResultComplete,
	})
	if err != nil {
		t.Fatalf("late event failed: %v", err)
	}

	stored, _ := f.repo.Get(context.Background(), df.Did)
	if stored.Stage != domain.StageCancelled {
		t.Fatalf("expected CANCELLED, got %s", stored.Stage)
	}
	if stored.HasCompletedAction("Transform") {
		t.Fatalf("late completion must not apply to a cancelled file")
	}
}
