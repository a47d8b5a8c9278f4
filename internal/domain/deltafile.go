package domain

import (
	"time"
)

// Stage is the coarse position of a DeltaFile in its flow.
type Stage string

const (
	StageIngress   Stage = "INGRESS"
	StageEnrich    Stage = "ENRICH"
	StageEgress    Stage = "EGRESS"
	StageComplete  Stage = "COMPLETE"
	StageError     Stage = "ERROR"
	StageCancelled Stage = "CANCELLED"
)

// Terminal reports whether no further processing can happen in this stage.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageCancelled
}

type ActionType string

const (
	ActionTypeTransform ActionType = "TRANSFORM"
	ActionTypeLoad      ActionType = "LOAD"
	ActionTypeEnrich    ActionType = "ENRICH"
	ActionTypeFormat    ActionType = "FORMAT"
	ActionTypeValidate  ActionType = "VALIDATE"
	ActionTypeEgress    ActionType = "EGRESS"
)

// Stage maps an action type to the stage it runs in.
func (t ActionType) Stage() Stage {
	switch t {
	case ActionTypeTransform, ActionTypeLoad:
		return StageIngress
	case ActionTypeEnrich:
		return StageEnrich
	default:
		return StageEgress
	}
}

type ActionState string

const (
	ActionStateQueued     ActionState = "QUEUED"
	ActionStateCollecting ActionState = "COLLECTING"
	ActionStateComplete   ActionState = "COMPLETE"
	ActionStateError      ActionState = "ERROR"
	ActionStateRetried    ActionState = "RETRIED"
	ActionStateFiltered   ActionState = "FILTERED"
)

// Terminal reports whether this attempt will receive no further events.
func (s ActionState) Terminal() bool {
	return s != ActionStateQueued && s != ActionStateCollecting
}

// Action is one attempt record in a DeltaFile's history. Retries append a new
// record, existing records are never rewritten back to a pending state.
type Action struct {
	Name         string      `json:"name"`
	Type         ActionType  `json:"type"`
	State        ActionState `json:"state"`
	Created      time.Time   `json:"created"`
	Queued       time.Time   `json:"queued,omitempty"`
	Modified     time.Time   `json:"modified"`
	ErrorCause   string      `json:"errorCause,omitempty"`
	ErrorContext string      `json:"errorContext,omitempty"`
}

type SourceInfo struct {
	Filename string            `json:"filename"`
	Flow     string            `json:"flow"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Content is an opaque reference to stored payload bytes. The core never
// dereferences it.
type Content struct {
	Name        string `json:"name"`
	MediaType   string `json:"mediaType,omitempty"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

type DeltaFile struct {
	Did          string            `json:"did"`
	SourceInfo   SourceInfo        `json:"sourceInfo"`
	Stage        Stage             `json:"stage"`
	Actions      []Action          `json:"actions"`
	Domains      map[string]string `json:"domains,omitempty"`
	Enrichment   map[string]string `json:"enrichment,omitempty"`
	Content      []Content         `json:"content,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	ParentDids   []string          `json:"parentDids,omitempty"`
	ChildDids    []string          `json:"childDids,omitempty"`
	Aggregate    bool              `json:"aggregate,omitempty"`
	Created      time.Time         `json:"created"`
	Modified     time.Time         `json:"modified"`
	Version      int64             `json:"version"`
	RequeueCount int               `json:"requeueCount"`
}

// LastAction returns the most recent action record for name, or nil.
func (d *DeltaFile) LastAction(name string) *Action {
	for i := len(d.Actions) - 1; i >= 0; i-- {
		if d.Actions[i].Name == name {
			return &d.Actions[i]
		}
	}
	return nil
}

// QueueAction appends a QUEUED action record. It is idempotent while the
// current record for name is still pending.
func (d *DeltaFile) QueueAction(name string, t ActionType, now time.Time) *Action {
	if a := d.LastAction(name); a != nil && !a.State.Terminal() {
		return a
	}
	d.Actions = append(d.Actions, Action{
		Name:     name,
		Type:     t,
		State:    ActionStateQueued,
		Created:  now,
		Queued:   now,
		Modified: now,
	})
	d.Modified = now
	return &d.Actions[len(d.Actions)-1]
}

// CollectingAction appends a COLLECTING record marking that this file is
// parked in a join group waiting for the rest of the group to arrive.
func (d *DeltaFile) CollectingAction(name string, t ActionType, now time.Time) *Action {
	if a := d.LastAction(name); a != nil && !a.State.Terminal() {
		a.State = ActionStateCollecting
		a.Modified = now
		d.Modified = now
		return a
	}
	d.Actions = append(d.Actions, Action{
		Name:     name,
		Type:     t,
		State:    ActionStateCollecting,
		Created:  now,
		Modified: now,
	})
	d.Modified = now
	return &d.Actions[len(d.Actions)-1]
}

// CompleteAction marks the current attempt complete. Returns false when there
// is no pending attempt for name, which callers treat as a stale report.
func (d *DeltaFile) CompleteAction(name string, now time.Time) bool {
	a := d.LastAction(name)
	if a == nil || a.State.Terminal() {
		return false
	}
	a.State = ActionStateComplete
	a.Modified = now
	d.Modified = now
	return true
}

// ErrorAction records the error on the current attempt and moves the file to
// the ERROR stage. It does not retry anything.
func (d *DeltaFile) ErrorAction(name, cause, context string, now time.Time) bool {
	a := d.LastAction(name)
	if a == nil || a.State.Terminal() {
		return false
	}
	a.State = ActionStateError
	a.ErrorCause = cause
	a.ErrorContext = context
	a.Modified = now
	d.Stage = StageError
	d.Modified = now
	return true
}

// FilterAction is the deliberate-drop outcome: the attempt terminates without
// error and the file goes straight to COMPLETE.
func (d *DeltaFile) FilterAction(name string, now time.Time) bool {
	a := d.LastAction(name)
	if a == nil || a.State.Terminal() {
		return false
	}
	a.State = ActionStateFiltered
	a.Modified = now
	d.Stage = StageComplete
	d.Modified = now
	return true
}

// RetryErrors rewrites every errored attempt to RETRIED (history preserved)
// and moves the stage back to where the first retried action runs. The next
// state-machine advance queues a fresh attempt for each; a retried collect
// action re-enters its join group rather than being re-dispatched blindly.
// Returns the retried action names.
func (d *DeltaFile) RetryErrors(now time.Time) []string {
	var names []string
	var stage Stage
	for i := range d.Actions {
		a := &d.Actions[i]
		if a.State == ActionStateError {
			a.State = ActionStateRetried
			a.Modified = now
			if len(names) == 0 {
				stage = a.Type.Stage()
			}
			names = append(names, a.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	d.Stage = stage
	d.Modified = now
	return names
}

// Cancel terminates a non-terminal DeltaFile. Pending attempts stay in the
// history; later completion reports for them are ignored as stale.
func (d *DeltaFile) Cancel(now time.Time) bool {
	if d.Stage.Terminal() {
		return false
	}
	d.Stage = StageCancelled
	d.Modified = now
	return true
}

// HasTerminalAction reports whether the current attempt for name is settled.
func (d *DeltaFile) HasTerminalAction(name string) bool {
	a := d.LastAction(name)
	return a != nil && a.State.Terminal()
}

func (d *DeltaFile) HasCompletedAction(name string) bool {
	a := d.LastAction(name)
	return a != nil && a.State == ActionStateComplete
}

func (d *DeltaFile) HasFilteredAction() bool {
	for i := range d.Actions {
		if d.Actions[i].State == ActionStateFiltered {
			return true
		}
	}
	return false
}

// QueuedActions returns the pending QUEUED attempts, used by the requeue
// sweep to find work that may have been lost in transit.
func (d *DeltaFile) QueuedActions() []Action {
	var out []Action
	for i := range d.Actions {
		if d.Actions[i].State == ActionStateQueued {
			out = append(out, d.Actions[i])
		}
	}
	return out
}
