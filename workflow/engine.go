package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quorumlabs/chainflow/workflow/emit"
)

// Engine drives workflow records step by step to a terminal state.
//
// The Engine is the single writer of workflow records. For each record it:
//   - Looks up the registered Definition for the record's type
//   - Runs the reconciler before every irreversible step and on resumption
//   - Executes the current step and persists the resulting transition
//   - Applies the retry policy centrally on RETRY outcomes
//   - Emits observability events and records metrics throughout
//
// One goroutine drives one record at a time; an inflight guard prevents two
// drivers from racing on the same id. Crash safety comes from the store, not
// the driver: a killed driver leaves a record whose progress and step fully
// describe what to do next, and startup reconciliation picks it up.
//
// Example:
//
//	eng := workflow.NewEngine(store, reconciler,
//	    workflow.WithEmitter(emit.NewLogrusEmitter(log)),
//	    workflow.WithRetryPolicy(workflow.DefaultRetryPolicy()),
//	)
//	eng.Register(flows.WorkSubmission(deps))
//
//	rec, err := eng.CreateWorkflow(ctx, workflow.TypeWorkSubmission, signer, input)
//	eng.StartWorkflow(ctx, rec.ID)
type Engine struct {
	mu          sync.RWMutex
	definitions map[Type]*Definition

	store      Store
	reconciler *Reconciler
	emitter    emit.Emitter
	metrics    *Metrics
	policy     RetryPolicy
	log        *logrus.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once

	// injectable for tests
	now   func() int64
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine creates an Engine over the given store and reconciler. The
// reconciler may be nil, in which case irreversible steps run without the
// pre-flight check (useful only in tests).
func NewEngine(store Store, reconciler *Reconciler, opts ...Option) *Engine {
	e := &Engine{
		definitions: make(map[Type]*Definition),
		store:       store,
		reconciler:  reconciler,
		emitter:     emit.NewNullEmitter(),
		policy:      DefaultRetryPolicy(),
		log:         logrus.StandardLogger(),
		inflight:    make(map[string]struct{}),
		closed:      make(chan struct{}),
		now:         NowMillis,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
	e.sleep = e.defaultSleep
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs a workflow definition. Registering a second definition
// for the same type is a programming error.
func (e *Engine) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}
	if def.InitialStep == nil {
		return fmt.Errorf("definition %s has no initial step rule", def.Type)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[def.Type]; exists {
		return fmt.Errorf("definition already registered for type %s", def.Type)
	}
	e.definitions[def.Type] = def
	return nil
}

// OnEvent subscribes handler to every event the engine emits, in addition
// to the configured emitter. Handlers must be non-blocking.
func (e *Engine) OnEvent(handler func(emit.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitter = emit.MultiEmitter{e.emitter, emit.EmitterFunc(handler)}
}

func (e *Engine) definition(typ Type) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[typ]
	return def, ok
}

// CreateWorkflow validates and persists a new record in state CREATED. The
// record does not execute until StartWorkflow.
func (e *Engine) CreateWorkflow(ctx context.Context, typ Type, signer common.Address, input json.RawMessage) (*Record, error) {
	def, ok := e.definition(typ)
	if !ok {
		return nil, fmt.Errorf("no definition registered for type %s", typ)
	}

	rec := &Record{
		ID:        uuid.New().String(),
		Type:      typ,
		State:     StateCreated,
		CreatedAt: e.now(),
		UpdatedAt: e.now(),
		Signer:    signer,
		Input:     input,
		Progress:  Progress{},
	}
	step, err := def.InitialStep(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to choose initial step: %w", err)
	}
	rec.Step = step

	if err := e.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	e.emit(rec, emit.WorkflowCreated, "", nil)
	return rec, nil
}

// StartWorkflow begins driving the record in a background goroutine. A
// record already being driven is left alone; starting a terminal record is
// an error.
func (e *Engine) StartWorkflow(ctx context.Context, id string) error {
	rec, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return fmt.Errorf("workflow %s is terminal (%s)", id, rec.State)
	}
	e.launch(id)
	return nil
}

// ResumeWorkflow is StartWorkflow for a previously interrupted record. The
// driver reconciles before executing anything.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	return e.StartWorkflow(ctx, id)
}

// ReconcileAllActive finds every RUNNING or STALLED record, oldest first,
// and starts a driver for each. Call once on startup. Returns the number of
// records picked up.
func (e *Engine) ReconcileAllActive(ctx context.Context) (int, error) {
	records, err := e.store.FindActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflows: %w", err)
	}
	for _, rec := range records {
		e.launch(rec.ID)
	}
	return len(records), nil
}

// launch starts a driver goroutine unless one is already inflight for the id
// or the engine is closed.
func (e *Engine) launch(id string) {
	select {
	case <-e.closed:
		return
	default:
	}

	e.inflightMu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.inflightMu.Unlock()
		return
	}
	e.inflight[id] = struct{}{}
	e.inflightMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, id)
			e.inflightMu.Unlock()
		}()
		e.drive(context.Background(), id)
	}()
}

// Close stops accepting work and waits for inflight drivers to finish their
// current step. Drivers observe the close signal between steps and during
// backoff sleeps; a record interrupted mid-pipeline stays RUNNING and is
// picked up by the next startup reconciliation.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.closed) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drive is the per-record execution loop.
func (e *Engine) drive(ctx context.Context, id string) {
	resumed := true // reconcile on the first pass regardless of the step

	var typ Type
	defer func() {
		if typ != "" {
			e.metrics.DriverStopped(typ)
		}
	}()

	for {
		select {
		case <-e.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, err := e.store.Load(ctx, id)
		if err != nil {
			e.log.WithError(err).WithField("workflow_id", id).Error("failed to load workflow record")
			return
		}
		if rec.Terminal() {
			return
		}
		if typ == "" {
			typ = rec.Type
			e.metrics.DriverStarted(typ)
		}

		def, ok := e.definition(rec.Type)
		if !ok {
			e.failWorkflow(ctx, rec, &ClassifiedError{
				Category: CategoryPermanent,
				Code:     CodeUnknownStep,
				Message:  fmt.Sprintf("no definition registered for type %s", rec.Type),
			})
			return
		}

		if rec.State == StateCreated || rec.State == StateStalled {
			if err := e.store.UpdateState(ctx, rec.ID, StateRunning, rec.Step, rec.StepAttempts); err != nil {
				e.log.WithError(err).WithField("workflow_id", id).Error("failed to mark workflow running")
				return
			}
			rec.State = StateRunning
			e.emit(rec, emit.WorkflowStarted, rec.Step, nil)
		}

		exec, ok := def.Step(rec.Step)
		if !ok {
			e.failWorkflow(ctx, rec, &ClassifiedError{
				Category: CategoryPermanent,
				Code:     CodeUnknownStep,
				Message:  fmt.Sprintf("unknown step %q for type %s", rec.Step, rec.Type),
			})
			return
		}

		// Reconciliation before any irreversible step, and once on
		// resumption: the reconciler is the authority on what already
		// happened externally.
		if e.reconciler != nil && (exec.Irreversible() || resumed) {
			action, err := e.reconciler.Reconcile(ctx, rec)
			if err != nil {
				// External state unreadable; a retryable condition, not a
				// decision.
				if !e.retryStep(ctx, rec, &ClassifiedError{
					Category: CategoryTransient,
					Code:     CodeInfrastructure,
					Message:  err.Error(),
					Cause:    err,
				}) {
					return
				}
				continue
			}
			resumed = false

			e.metrics.ObserveReconciliation(rec.Type, action.Kind)
			if action.Kind != ActionNoChange {
				e.emit(rec, emit.ReconciliationRan, rec.Step, map[string]interface{}{
					"action": string(action.Kind),
				})
			}

			terminal, changed, err := e.applyAction(ctx, rec, action)
			if err != nil {
				e.log.WithError(err).WithField("workflow_id", id).Error("failed to apply reconciliation action")
				return
			}
			if terminal {
				return
			}
			if changed {
				continue // reload and re-dispatch on the healed record
			}
		}
		resumed = false

		e.emit(rec, emit.StepStarted, rec.Step, map[string]interface{}{
			"attempt": rec.StepAttempts,
		})

		started := time.Now()
		out := exec.Execute(ctx, rec)
		e.metrics.ObserveStep(rec.Type, rec.Step, out.Kind, time.Since(started))

		switch out.Kind {
		case OutcomeSuccess:
			if out.NextStep == StepCompleted {
				if err := e.store.UpdateState(ctx, rec.ID, StateCompleted, StepCompleted, 0); err != nil {
					e.log.WithError(err).WithField("workflow_id", id).Error("failed to complete workflow")
					return
				}
				e.emit(rec, emit.StepCompleted, rec.Step, nil)
				e.emit(rec, emit.WorkflowCompleted, "", nil)
				e.metrics.ObserveTerminal(rec.Type, StateCompleted)
				return
			}
			if err := e.store.UpdateState(ctx, rec.ID, StateRunning, out.NextStep, 0); err != nil {
				e.log.WithError(err).WithField("workflow_id", id).Error("failed to advance workflow")
				return
			}
			e.emit(rec, emit.StepCompleted, rec.Step, map[string]interface{}{
				"next_step": out.NextStep,
			})

		case OutcomeRetry:
			if !e.retryStep(ctx, rec, out.Err) {
				return
			}

		case OutcomeStalled:
			e.stallWorkflow(ctx, rec, out)
			return

		case OutcomeFailed:
			e.failWorkflow(ctx, rec, out.Err)
			return

		default:
			e.failWorkflow(ctx, rec, &ClassifiedError{
				Category: CategoryPermanent,
				Code:     CodeUnknownStep,
				Message:  fmt.Sprintf("executor returned unknown outcome %q", out.Kind),
			})
			return
		}
	}
}

// retryStep applies the central retry policy: increments the attempt
// counter, sleeps the backoff, and reports whether the driver should
// continue. Exhaustion stalls the workflow (infrastructure condition, not a
// protocol rejection) and reports false.
func (e *Engine) retryStep(ctx context.Context, rec *Record, cerr *ClassifiedError) bool {
	if cerr == nil {
		cerr = &ClassifiedError{Category: CategoryUnknown, Code: CodeInfrastructure, Message: "step requested retry without error"}
	}

	attempts := rec.StepAttempts + 1
	if attempts >= e.policy.MaxAttempts {
		e.stallWorkflow(ctx, rec, Outcome{
			Kind:   OutcomeStalled,
			Reason: fmt.Sprintf("step %s exhausted %d attempts: %s", rec.Step, attempts, cerr.Message),
			Err: &ClassifiedError{
				Category: cerr.Category,
				Code:     CodeMaxAttemptsExhausted,
				Message:  cerr.Message,
				Cause:    cerr.Cause,
			},
		})
		return false
	}

	if err := e.store.UpdateState(ctx, rec.ID, StateRunning, rec.Step, attempts); err != nil {
		e.log.WithError(err).WithField("workflow_id", rec.ID).Error("failed to record retry attempt")
		return false
	}
	e.metrics.ObserveRetry(rec.Type, rec.Step, cerr.Category)
	e.emit(rec, emit.StepRetry, rec.Step, map[string]interface{}{
		"attempt": attempts,
		"error":   cerr.Message,
	})

	e.rngMu.Lock()
	delay := e.policy.computeBackoff(attempts-1, e.rng)
	e.rngMu.Unlock()

	if err := e.sleep(ctx, delay); err != nil {
		return false
	}
	return true
}

// stallWorkflow moves the record to STALLED preserving all progress. Stalled
// records carry a recoverable error and resume on the next startup
// reconciliation.
func (e *Engine) stallWorkflow(ctx context.Context, rec *Record, out Outcome) {
	code := CodeExternalWaitExceeded
	message := out.Reason
	if out.Err != nil {
		if out.Err.Code != "" {
			code = out.Err.Code
		}
		if message == "" {
			message = out.Err.Message
		}
	}

	info := &ErrorInfo{
		Step:        rec.Step,
		Message:     message,
		Code:        code,
		Timestamp:   e.now(),
		Recoverable: true,
	}
	if err := e.store.SetError(ctx, rec.ID, info); err != nil {
		e.log.WithError(err).WithField("workflow_id", rec.ID).Error("failed to record stall error")
	}
	if err := e.store.UpdateState(ctx, rec.ID, StateStalled, rec.Step, rec.StepAttempts); err != nil {
		e.log.WithError(err).WithField("workflow_id", rec.ID).Error("failed to stall workflow")
		return
	}
	e.emit(rec, emit.WorkflowStalled, rec.Step, map[string]interface{}{
		"error": message,
		"code":  code,
	})
	e.metrics.ObserveTerminal(rec.Type, StateStalled)
}

// failWorkflow moves the record to FAILED with a non-recoverable error.
func (e *Engine) failWorkflow(ctx context.Context, rec *Record, cerr *ClassifiedError) {
	code := CodeProtocolRejection
	message := "step failed"
	if cerr != nil {
		if cerr.Code != "" {
			code = cerr.Code
		}
		message = cerr.Message
	}

	info := &ErrorInfo{
		Step:        rec.Step,
		Message:     message,
		Code:        code,
		Timestamp:   e.now(),
		Recoverable: false,
	}
	if err := e.store.SetError(ctx, rec.ID, info); err != nil {
		e.log.WithError(err).WithField("workflow_id", rec.ID).Error("failed to record failure error")
	}
	if err := e.store.UpdateState(ctx, rec.ID, StateFailed, rec.Step, rec.StepAttempts); err != nil {
		e.log.WithError(err).WithField("workflow_id", rec.ID).Error("failed to fail workflow")
		return
	}
	e.emit(rec, emit.WorkflowFailed, rec.Step, map[string]interface{}{
		"error": message,
		"code":  code,
	})
	e.metrics.ObserveTerminal(rec.Type, StateFailed)
}

// applyAction persists a reconciliation decision. Returns whether the record
// reached a terminal state and whether anything changed (the driver reloads
// on change).
func (e *Engine) applyAction(ctx context.Context, rec *Record, action Action) (terminal bool, changed bool, err error) {
	switch action.Kind {
	case ActionNoChange:
		return false, false, nil

	case ActionAdvanceToStep:
		if len(action.Updates) > 0 {
			if err := e.store.AppendProgress(ctx, rec.ID, action.Updates); err != nil {
				return false, false, err
			}
		}
		if err := e.store.UpdateState(ctx, rec.ID, StateRunning, action.Step, 0); err != nil {
			return false, false, err
		}
		return false, true, nil

	case ActionUpdateProgress:
		if err := e.store.AppendProgress(ctx, rec.ID, action.Updates); err != nil {
			return false, false, err
		}
		return false, true, nil

	case ActionClearTxHashAndRetry:
		if err := e.store.AppendProgress(ctx, rec.ID, Progress{action.TxHashKey: nil}); err != nil {
			return false, false, err
		}
		if err := e.store.UpdateState(ctx, rec.ID, StateRunning, rec.Step, 0); err != nil {
			return false, false, err
		}
		return false, true, nil

	case ActionComplete:
		if err := e.store.UpdateState(ctx, rec.ID, StateCompleted, StepCompleted, 0); err != nil {
			return false, false, err
		}
		e.emit(rec, emit.WorkflowCompleted, "", map[string]interface{}{
			"via": "reconciliation",
		})
		e.metrics.ObserveTerminal(rec.Type, StateCompleted)
		return true, true, nil

	case ActionFail:
		e.failWorkflow(ctx, rec, &ClassifiedError{
			Category: CategoryPermanent,
			Code:     CodeReconciliationFailure,
			Message:  action.Reason,
		})
		return true, true, nil

	default:
		return false, false, fmt.Errorf("unknown reconciliation action %q", action.Kind)
	}
}

// emit delivers an event, never blocking the driver on a nil emitter.
func (e *Engine) emit(rec *Record, name, step string, meta map[string]interface{}) {
	e.mu.RLock()
	emitter := e.emitter
	e.mu.RUnlock()
	if emitter == nil {
		return
	}
	emitter.Emit(emit.Event{
		WorkflowID: rec.ID,
		Type:       string(rec.Type),
		Step:       step,
		Name:       name,
		Time:       time.Now(),
		Meta:       meta,
	})
}

// defaultSleep waits for d, the close signal, or context cancellation.
func (e *Engine) defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-e.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
