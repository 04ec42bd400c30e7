// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"time"
)

// Start ties the base context of all runs to ctx and begins the schedule.
// Cancelling ctx or calling Stop ends in-flight runs; a run triggered before
// Start keeps going.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	context.AfterFunc(ctx, o.cancel)
	interval := o.interval
	o.mu.Unlock()

	o.log.Info("starting collection scheduler",
		"array_id", o.opts.ArrayID,
		"interval", interval,
		"on_startup", o.opts.OnStartup,
	)

	if o.opts.OnStartup {
		o.scheduled("startup")
	}

	o.loopWG.Add(1)
	go o.loop()
	return nil
}

// Stop ends the schedule, cancels any active run and waits for it to
// record its outcome, or for ctx to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.log.Info("stopping collection scheduler")
		// every runWG.Add happens under mu after a stopped check
		o.mu.Lock()
		close(o.stopCh)
		o.cancel()
		o.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		o.loopWG.Wait()
		o.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interval returns the current schedule interval.
func (o *Orchestrator) Interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// SetInterval changes the schedule; 0 pauses it. A running loop picks the
// change up immediately.
func (o *Orchestrator) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	o.mu.Lock()
	changed := d != o.interval
	o.interval = d
	o.mu.Unlock()
	if !changed {
		return
	}
	o.log.Info("collection interval changed", "interval", d)
	select {
	case o.intervalChanged <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop() {
	defer o.loopWG.Done()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	reset := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d := o.Interval(); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	reset()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	ctx := o.context()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-o.intervalChanged:
			reset()
		case <-tick:
			o.scheduled("interval")
		}
	}
}

func (o *Orchestrator) scheduled(reason string) {
	t, err := o.trigger(false)
	switch {
	case errors.Is(err, ErrCollectionInProgress):
		o.log.Debug("scheduled collection skipped, run in progress", "reason", reason)
	case err != nil:
		o.log.Error("scheduled collection not started", "reason", reason, "error", err)
	default:
		o.log.Debug("scheduled collection", "reason", reason, "trigger", t)
	}
}
