// Package rotation schedules and executes automatic secret rotation:
// a min-heap of due times drives a small worker pool, failures retry
// with exponential backoff until a budget pauses the policy, and a
// sweeper retires grace versions whose window has lapsed.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/vlt-dev/vlt/internal/broker"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/monitoring"
	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/store"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Vault is the slice of the store the engine drives.
type Vault interface {
	RotationTargets() []store.RotationTarget
	ApplyRotation(project, key string, plaintext []byte) (store.SecretRef, error)
	RecordRotationFailure(project, key string, budget int) (bool, error)
	Describe(project, key string) (*document.Secret, error)
	SweepGrace() ([]store.SecretRef, error)
}

// Config tunes the engine.
type Config struct {
	Workers       int
	RetryBudget   int
	RetryBase     time.Duration
	RetryCap      time.Duration
	SweepInterval time.Duration
	// MinJobDeadline floors the per-job execution deadline; the
	// effective deadline is the larger of this and a tenth of the
	// policy interval.
	MinJobDeadline time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		RetryBudget:    5,
		RetryBase:      30 * time.Second,
		RetryCap:       time.Hour,
		SweepInterval:  time.Minute,
		MinJobDeadline: 5 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = d.RetryBudget
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = d.RetryCap
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MinJobDeadline <= 0 {
		c.MinJobDeadline = d.MinJobDeadline
	}
}

// errSkip marks a job that should leave the schedule without counting
// as a failure: the policy was removed or paused behind our back.
var errSkip = errors.New("rotation target gone")

type result struct {
	job *job
	err error
}

// Engine runs scheduled rotations against a vault store.
type Engine struct {
	vault   Vault
	gens    *Generators
	bus     *events.Bus
	metrics monitoring.MetricsCollector
	log     hclog.Logger
	now     func() time.Time
	cfg     Config

	mu    sync.Mutex
	sched *schedule

	wake    chan struct{}
	results chan result

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New creates an engine; Start must be called before it does anything.
func New(vault Vault, gens *Generators, bus *events.Bus,
	metrics monitoring.MetricsCollector, cfg Config,
	now func() time.Time, log hclog.Logger) *Engine {
	cfg.fill()
	if gens == nil {
		gens = NewGenerators(nil)
	}
	if metrics == nil {
		metrics = monitoring.NoOpCollector{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{
		vault:   vault,
		gens:    gens,
		bus:     bus,
		metrics: metrics,
		log:     log,
		now:     now,
		cfg:     cfg,
		sched:   newSchedule(),
		wake:    make(chan struct{}, 1),
		results: make(chan result),
	}
}

// Start rebuilds the schedule from the store and launches the
// scheduler loop, the worker pool, and the grace sweeper.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.group = g
	e.mu.Unlock()

	e.Refresh()

	jobs := make(chan *job)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.worker(ctx, jobs) })
	}
	g.Go(func() error { return e.loop(ctx, jobs) })
	g.Go(func() error { return e.sweeper(ctx) })
	e.log.Info("rotation engine started", "workers", e.cfg.Workers)
}

// Stop drains the engine: in-flight jobs finish, then all goroutines
// exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	// Wait outside the lock; the loop and workers take it.
	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.log.Info("rotation engine stopped")
	return nil
}

// Refresh rebuilds the schedule from the store's rotation targets.
func (e *Engine) Refresh() {
	targets := e.vault.RotationTargets()
	e.mu.Lock()
	e.sched = newSchedule()
	for _, t := range targets {
		e.sched.upsert(t.Project, t.Key, t.Policy.NextRotationAt)
	}
	e.mu.Unlock()
	e.poke()
}

// Schedule inserts or reschedules one secret's rotation.
func (e *Engine) Schedule(project, key string, due time.Time) {
	e.mu.Lock()
	e.sched.upsert(project, key, due)
	e.mu.Unlock()
	e.poke()
}

// Unschedule drops one secret's rotation, if scheduled.
func (e *Engine) Unschedule(project, key string) {
	e.mu.Lock()
	e.sched.remove(project, key)
	e.mu.Unlock()
	e.poke()
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop owns dispatch: it sleeps until the earliest due time, hands due
// jobs to the workers, and folds results back into the schedule.
func (e *Engine) loop(ctx context.Context, jobs chan<- *job) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		e.mu.Lock()
		next, ok := e.sched.peek()
		e.mu.Unlock()

		wait := time.Hour
		if ok {
			if d := next.due.Sub(e.now()); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case res := <-e.results:
			e.fold(res)
		case <-timer.C:
			for {
				e.mu.Lock()
				j, due := e.sched.popDue(e.now())
				e.mu.Unlock()
				if !due {
					break
				}
				select {
				case jobs <- j:
				case res := <-e.results:
					e.fold(res)
					e.mu.Lock()
					e.sched.reinsert(j)
					e.mu.Unlock()
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// fold applies one worker result to the schedule.
func (e *Engine) fold(res result) {
	j := res.job
	switch {
	case res.err == nil:
		j.attempt = 0
		j.due = e.nextDue(j.project, j.key)
		e.mu.Lock()
		e.sched.reinsert(j)
		e.mu.Unlock()
	case errors.Is(res.err, errSkip):
		// Policy gone or paused; nothing to reschedule.
	default:
		e.metrics.IncrementCounter(monitoring.MetricRotationFailures, nil)
		paused, perr := e.vault.RecordRotationFailure(j.project, j.key, e.cfg.RetryBudget)
		if perr != nil {
			e.log.Error("recording rotation failure", "project", j.project, "key", j.key, "error", perr)
		}
		if paused {
			e.log.Warn("rotation paused after repeated failures",
				"project", j.project, "key", j.key, "failures", j.attempt+1)
			e.publishFailure(j, res.err, true)
			return
		}
		e.publishFailure(j, res.err, false)
		j.attempt++
		j.due = e.now().Add(e.retryDelay(j.attempt))
		e.mu.Lock()
		e.sched.reinsert(j)
		e.mu.Unlock()
	}
}

// nextDue reads the committed schedule for a secret, falling back to
// one interval from now if the policy vanished mid-flight.
func (e *Engine) nextDue(project, key string) time.Time {
	sec, err := e.vault.Describe(project, key)
	if err == nil && sec.RotationPolicy != nil && !sec.RotationPolicy.Paused {
		return sec.RotationPolicy.NextRotationAt
	}
	return e.now().Add(time.Hour)
}

// retryDelay computes the backoff for the given consecutive failure
// count with 20% jitter.
func (e *Engine) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBase
	bo.MaxInterval = e.cfg.RetryCap
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

func (e *Engine) publishFailure(j *job, cause error, terminal bool) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Kind:          events.SecretRotated,
		Timestamp:     e.now().UTC(),
		CorrelationID: events.NewCorrelationID(),
		Project:       j.project,
		Key:           j.key,
		Outcome:       events.OutcomeError,
		Err:           cause.Error(),
		Terminal:      terminal,
	})
}

func (e *Engine) worker(ctx context.Context, jobs <-chan *job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-jobs:
			err := e.rotateJob(ctx, j)
			select {
			case e.results <- result{job: j, err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// rotateJob executes one rotation under its per-job deadline.
func (e *Engine) rotateJob(ctx context.Context, j *job) error {
	sec, err := e.vault.Describe(j.project, j.key)
	if err != nil {
		return errSkip
	}
	pol := sec.RotationPolicy
	if pol == nil || pol.Paused {
		return errSkip
	}

	deadline := e.cfg.MinJobDeadline
	if d := pol.Interval() / 10; d > deadline {
		deadline = d
	}
	jctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	value, err := e.gens.Generate(jctx, pol.Generator)
	if err != nil {
		e.log.Error("rotation generator failed", "project", j.project, "key", j.key, "error", err)
		return err
	}
	defer security.Zeroize(value)

	if _, err := e.vault.ApplyRotation(j.project, j.key, value); err != nil {
		e.log.Error("rotation commit failed", "project", j.project, "key", j.key, "error", err)
		return err
	}
	e.metrics.IncrementCounter(monitoring.MetricRotations, nil)
	return nil
}

// sweeper retires grace versions whose window has lapsed.
func (e *Engine) sweeper(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := e.vault.SweepGrace()
			if err != nil {
				e.log.Error("grace sweep failed", "error", err)
				continue
			}
			if len(swept) > 0 {
				e.log.Debug("grace versions retired", "count", len(swept))
			}
		}
	}
}

// RotateNow rotates one secret immediately, outside the schedule. Used
// by the access broker for rotate-scoped tokens.
func (e *Engine) RotateNow(ctx context.Context, project, key string) (broker.RotateResult, error) {
	sec, err := e.vault.Describe(project, key)
	if err != nil {
		return broker.RotateResult{}, err
	}
	pol := sec.RotationPolicy
	if pol == nil {
		return broker.RotateResult{}, vaulterr.NewNotFoundError("rotation policy", project+"/"+key)
	}
	if pol.Paused {
		return broker.RotateResult{}, fmt.Errorf("%w: rotation for %s", vaulterr.ErrPaused, project+"/"+key)
	}

	value, err := e.gens.Generate(ctx, pol.Generator)
	if err != nil {
		return broker.RotateResult{}, err
	}
	defer security.Zeroize(value)

	ref, err := e.vault.ApplyRotation(project, key, value)
	if err != nil {
		return broker.RotateResult{}, err
	}
	e.metrics.IncrementCounter(monitoring.MetricRotations, nil)

	out := broker.RotateResult{NewVersion: ref.Version}
	if after, derr := e.vault.Describe(project, key); derr == nil {
		for _, v := range after.Versions {
			if v.State == document.StateGrace && v.GraceUntil != nil {
				if v.GraceUntil.After(out.PreviousRetiresAt) {
					out.PreviousRetiresAt = *v.GraceUntil
				}
			}
		}
	}
	e.mu.Lock()
	running := e.started
	e.mu.Unlock()
	if running {
		e.Schedule(project, key, e.nextDue(project, key))
	}
	return out, nil
}
