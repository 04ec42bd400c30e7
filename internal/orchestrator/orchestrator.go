// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs capacity collections one at a time, on demand
// and on a schedule, and publishes their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
	"github.com/platformbuilds/pmaxcap/internal/events"
	"github.com/platformbuilds/pmaxcap/internal/store"
)

// ErrCollectionInProgress is returned when a run is requested while another
// one is active.
var ErrCollectionInProgress = errors.New("collection already in progress")

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("collection orchestrator stopped")

// Collection states.
const (
	StateIdle       = "idle"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Collection events.
const (
	EventStart    = "start"
	EventComplete = "complete"
	EventFail     = "fail"
	EventReset    = "reset"
)

// Trigger is the outcome of RequestCollection.
type Trigger int

const (
	TriggerRejected Trigger = iota
	TriggerStarted
	TriggerQueued
)

func (t Trigger) String() string {
	switch t {
	case TriggerStarted:
		return "started"
	case TriggerQueued:
		return "queued"
	default:
		return "rejected"
	}
}

// Sink receives every successful snapshot.
type Sink interface {
	Name() string
	ExportSnapshot(ctx context.Context, snap *capacity.Snapshot) error
}

// Observer is notified of run lifecycle; selftelemetry.Metrics implements it.
type Observer interface {
	SetInProgress(running bool)
	SetReady(ready bool)
	ObserveRun(err error, d time.Duration)
	ObserveSnapshot(s *capacity.Snapshot)
	ObserveRejected()
}

type nopObserver struct{}

func (nopObserver) SetInProgress(bool)                 {}
func (nopObserver) SetReady(bool)                      {}
func (nopObserver) ObserveRun(error, time.Duration)    {}
func (nopObserver) ObserveSnapshot(*capacity.Snapshot) {}
func (nopObserver) ObserveRejected()                   {}

type Options struct {
	ArrayID string
	// Interval between scheduled runs; 0 disables the schedule.
	Interval      time.Duration
	OnStartup     bool
	ProgressEvery int
	Sinks         []Sink
	Observer      Observer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the collection state machine. At most one run is active
// and at most one forced run is queued behind it.
type Orchestrator struct {
	collector *capacity.Collector
	store     *store.Store
	bus       *events.Bus
	log       *slog.Logger
	opts      Options

	mu       sync.Mutex
	machine  *fsm.FSM
	pending  bool
	interval time.Duration
	baseCtx  context.Context
	cancel   context.CancelFunc
	started  bool

	intervalChanged chan struct{}
	stopCh          chan struct{}
	stopOnce        sync.Once
	loopWG          sync.WaitGroup
	runWG           sync.WaitGroup
}

func New(src capacity.Source, st *store.Store, bus *events.Bus, log *slog.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	o := &Orchestrator{
		store:           st,
		bus:             bus,
		log:             log.With("component", "orchestrator"),
		opts:            opts,
		interval:        opts.Interval,
		intervalChanged: make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.collector = capacity.NewCollector(src, log, capacity.CollectorOptions{
		ProgressEvery: opts.ProgressEvery,
		OnProgress: func(p capacity.Progress) {
			bus.Publish(events.Progress(p))
		},
		Now: opts.Now,
	})
	o.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateInProgress},
			{Name: EventComplete, Src: []string{StateInProgress}, Dst: StateCompleted},
			{Name: EventFail, Src: []string{StateInProgress}, Dst: StateFailed},
			{Name: EventReset, Src: []string{StateCompleted, StateFailed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				o.log.Debug("collection state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return o
}

// State returns the current state machine state.
func (o *Orchestrator) State() string {
	return o.machine.Current()
}

// RequestCollection starts a run in the background. While a run is active
// a forced request is queued to run right after it; other requests are
// rejected with ErrCollectionInProgress.
func (o *Orchestrator) RequestCollection(force bool) (Trigger, error) {
	t, err := o.trigger(force)
	if errors.Is(err, ErrCollectionInProgress) {
		o.opts.Observer.ObserveRejected()
	}
	return t, err
}

func (o *Orchestrator) trigger(force bool) (Trigger, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped() {
		return TriggerRejected, ErrStopped
	}
	if o.machine.Current() != StateIdle {
		if force {
			if !o.pending {
				o.log.Info("forced collection queued behind active run")
			}
			o.pending = true
			return TriggerQueued, nil
		}
		return TriggerRejected, ErrCollectionInProgress
	}
	if err := o.begin(o.baseCtx); err != nil {
		return TriggerRejected, err
	}
	o.runWG.Add(1)
	go o.runAsync(o.baseCtx)
	return TriggerStarted, nil
}

// Collect runs a collection synchronously and returns its snapshot. The
// run ends early when ctx is done or the orchestrator is stopped.
func (o *Orchestrator) Collect(ctx context.Context) (*capacity.Snapshot, error) {
	o.mu.Lock()
	if o.stopped() {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	if o.machine.Current() != StateIdle {
		o.mu.Unlock()
		o.opts.Observer.ObserveRejected()
		return nil, ErrCollectionInProgress
	}
	if err := o.begin(ctx); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.runWG.Add(1)
	base := o.baseCtx
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	snap, err := o.execute(runCtx)
	if o.settle(runCtx, snap, err) {
		// the queued run keeps the count taken above
		go o.runAsync(o.context())
	} else {
		o.runWG.Done()
	}
	return snap, err
}

// begin must be called with mu held.
func (o *Orchestrator) begin(ctx context.Context) error {
	if err := o.machine.Event(context.WithoutCancel(ctx), EventStart); err != nil {
		return err
	}
	o.store.Begin()
	o.opts.Observer.SetInProgress(true)
	o.bus.Publish(events.Started())
	return nil
}

func (o *Orchestrator) runAsync(ctx context.Context) {
	defer o.runWG.Done()
	for {
		snap, err := o.execute(ctx)
		if !o.settle(ctx, snap, err) {
			return
		}
	}
}

// execute runs one collection and hands a successful snapshot to the
// sinks. The run stays in progress until settle records the outcome.
func (o *Orchestrator) execute(ctx context.Context) (*capacity.Snapshot, error) {
	start := o.opts.Now()
	snap, err := o.collector.Assemble(ctx, o.opts.ArrayID)
	elapsed := o.opts.Now().Sub(start)
	o.opts.Observer.ObserveRun(err, elapsed)

	if err != nil {
		o.log.Error("capacity collection failed", "array_id", o.opts.ArrayID, "error", err, "duration", elapsed)
		return nil, err
	}

	for _, sink := range o.opts.Sinks {
		if err := sink.ExportSnapshot(ctx, snap); err != nil {
			o.log.Warn("snapshot export failed", "sink", sink.Name(), "error", err)
		}
	}
	return snap, nil
}

// settle records the run's outcome and returns the machine to idle under
// one lock, so the store and the trigger never disagree. When a forced run
// was queued it is started and settle reports true.
func (o *Orchestrator) settle(ctx context.Context, snap *capacity.Snapshot, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		o.store.Fail(err)
		o.bus.Publish(events.Failed(err))
		o.transition(ctx, EventFail)
	} else {
		o.store.Complete(snap, o.opts.Now())
		o.opts.Observer.ObserveSnapshot(snap)
		o.opts.Observer.SetReady(true)
		o.bus.Publish(events.Completed(capacity.NewRunSummary(snap)))
		o.transition(ctx, EventComplete)
	}

	o.transition(o.baseCtx, EventReset)
	if !o.pending || o.baseCtx.Err() != nil {
		o.pending = false
		o.opts.Observer.SetInProgress(false)
		return false
	}
	o.pending = false
	if err := o.begin(o.baseCtx); err != nil {
		o.log.Error("failed to start queued collection", "error", err)
		o.opts.Observer.SetInProgress(false)
		return false
	}
	o.log.Info("starting queued collection")
	return true
}

// stopped must be called with mu held.
func (o *Orchestrator) stopped() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseCtx
}

func (o *Orchestrator) transition(ctx context.Context, event string) {
	if err := o.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		o.log.Error("invalid collection state transition", "event", event, "state", o.machine.Current(), "error", err)
	}
}
