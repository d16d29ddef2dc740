// Package scheduler runs one timing unit per running task. A unit waits for
// its task's next fire time, performs one delivery attempt, then re-reads
// the task from the registry and either re-arms or exits.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"groupcast/internal/domain"
	"groupcast/internal/metrics"
	"groupcast/internal/registry"
	"groupcast/internal/worker"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Deliverer performs one delivery attempt; see delivery.Deliverer.
type Deliverer interface {
	Deliver(ctx context.Context, t domain.Task, mention bool) (mentioned bool, err error)
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a domain.Attempt) error
}

type Config struct {
	// Poll caps a single sleep while waiting for a daily rule so wall clock
	// changes are noticed. Zero means one second.
	Poll     time.Duration
	Location *time.Location
	Clock    Clock
}

type Engine struct {
	reg      *registry.Registry
	deliver  Deliverer
	pool     *worker.Pool
	attempts AttemptRecorder
	metrics  *metrics.Metrics
	clock    Clock
	poll     time.Duration
	loc      *time.Location
	log      zerolog.Logger

	// ctx stops arming; sendCtx aborts attempts already in flight.
	ctx        context.Context
	cancel     context.CancelFunc
	sendCtx    context.Context
	sendCancel context.CancelFunc

	mu     sync.Mutex
	units  map[string]*unit
	closed bool
	wg     sync.WaitGroup
}

type unit struct {
	id   string
	kick chan struct{}
}

func (u *unit) nudge() {
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

func NewEngine(reg *registry.Registry, d Deliverer, pool *worker.Pool, attempts AttemptRecorder, m *metrics.Metrics, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sendCtx, sendCancel := context.WithCancel(context.Background())
	return &Engine{
		reg:        reg,
		deliver:    d,
		pool:       pool,
		attempts:   attempts,
		metrics:    m,
		clock:      cfg.Clock,
		poll:       cfg.Poll,
		loc:        cfg.Location,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		sendCtx:    sendCtx,
		sendCancel: sendCancel,
		units:      make(map[string]*unit),
	}
}

// Ensure makes sure exactly one unit drives id. An existing unit is nudged
// to re-read the task; otherwise a new unit is started. It reports whether
// a unit was started.
func (e *Engine) Ensure(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if u, ok := e.units[id]; ok {
		u.nudge()
		return false
	}
	u := &unit{id: id, kick: make(chan struct{}, 1)}
	e.units[id] = u
	e.wg.Add(1)
	e.metrics.UnitStarted()
	go e.run(u)
	return true
}

// Kick asks the unit bound to id, if any, to re-read its task now. Armed
// units react immediately; a unit in the middle of an attempt reacts when
// the attempt completes.
func (e *Engine) Kick(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.units[id]; ok {
		u.nudge()
	}
}

func (e *Engine) KickAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.units {
		u.nudge()
	}
}

// bound reports whether a live unit is bound to id.
func (e *Engine) bound(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.units[id]
	return ok
}

// ActiveCount is the number of live units.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// InFlight is the number of delivery attempts currently running.
func (e *Engine) InFlight() int {
	return e.pool.InFlight()
}

// Shutdown stops all units. Attempts in flight may finish until ctx
// expires, after which they are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.sendCancel()
		return nil
	case <-ctx.Done():
		e.sendCancel()
		<-done
		return ctx.Err()
	}
}

// rearm is the re-arm check. It returns the current task when it is still
// running; otherwise the unit is unbound under the same lock Ensure uses,
// so Ensure never nudges a unit that is about to exit.
func (e *Engine) rearm(u *unit) (domain.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.reg.Get(u.id)
	if ok && t.Status == domain.StatusRunning && e.ctx.Err() == nil {
		return t, true
	}
	e.unbindLocked(u)
	return domain.Task{}, false
}

func (e *Engine) unbindLocked(u *unit) {
	if e.units[u.id] == u {
		delete(e.units, u.id)
	}
}

func (e *Engine) run(u *unit) {
	defer e.wg.Done()
	defer e.metrics.UnitStopped()
	defer func() {
		e.mu.Lock()
		e.unbindLocked(u)
		e.mu.Unlock()
	}()

	log := e.log.With().Str("task_id", u.id).Logger()
	log.Debug().Msg("unit started")
	defer log.Debug().Msg("unit stopped")

	var lastDone time.Time
	mentioned := false
	for {
		t, ok := e.rearm(u)
		if !ok {
			return
		}

		now := e.clock.Now()
		next, err := NextRunTime(t.Rule, lastDone, now, e.loc)
		if err != nil {
			// Rules are validated before they reach the registry; wait for
			// an edit rather than spinning.
			log.Error().Err(err).Msg("cannot compute next run")
			if !e.sleep(u, 0) {
				return
			}
			continue
		}

		due, stop := e.waitUntil(u, t.Rule, next)
		if stop {
			return
		}
		if !due {
			continue
		}

		// A Stop, Delete or Edit may have landed after the wait ended.
		cur, ok := e.rearm(u)
		if !ok {
			return
		}
		if cur.Rule != t.Rule {
			continue
		}
		t = cur

		if t.Rule.Kind == domain.RuleDaily && !inTargetMinute(t.Rule, e.clock.Now(), e.loc) {
			log.Info().Str("at", t.Rule.At).Msg("daily run missed, waiting for the next one")
			lastDone = e.clock.Now()
			continue
		}

		if e.fire(log, t, t.TagMembers && !mentioned) {
			mentioned = true
		}
		lastDone = e.clock.Now()
	}
}

// waitUntil blocks until next. due is false when the unit was kicked and
// must re-run its check; stop is true when the engine is shutting down.
func (e *Engine) waitUntil(u *unit, r domain.ScheduleRule, next time.Time) (due, stop bool) {
	for {
		now := e.clock.Now()
		if !now.Before(next) {
			return true, false
		}
		d := next.Sub(now)
		if r.Kind == domain.RuleDaily && d > e.poll {
			d = e.poll
		}
		select {
		case <-e.ctx.Done():
			return false, true
		case <-u.kick:
			return false, false
		case <-e.clock.After(d):
		}
	}
}

// sleep waits for a kick or shutdown; d > 0 also bounds the wait.
func (e *Engine) sleep(u *unit, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		timer = e.clock.After(d)
	}
	select {
	case <-e.ctx.Done():
		return false
	case <-u.kick:
		return true
	case <-timer:
		return true
	}
}

// fire runs one delivery attempt and reports whether the member mention
// was attempted. Errors never leave this function.
func (e *Engine) fire(log zerolog.Logger, t domain.Task, mention bool) bool {
	started := e.clock.Now()
	var mentioned bool
	err := e.pool.Do(e.sendCtx, func(ctx context.Context) error {
		m, err := e.deliver.Deliver(ctx, t, mention)
		mentioned = m
		return err
	})
	finished := e.clock.Now()
	took := finished.Sub(started)
	e.metrics.ObserveDelivery(err == nil, took)

	a := domain.Attempt{TaskID: t.ID, StartedAt: started, FinishedAt: finished, Success: err == nil}
	if err != nil {
		a.Error = err.Error()
		log.Warn().Err(err).Str("group", t.Group).Dur("took", took).Msg("delivery failed")
	} else {
		log.Info().Str("group", t.Group).Dur("took", took).Msg("delivered")
	}

	if e.attempts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := e.attempts.RecordAttempt(ctx, a); rerr != nil {
			// The task may have been deleted while the attempt was in flight.
			if _, ok := e.reg.Get(t.ID); ok {
				log.Warn().Err(rerr).Msg("record attempt failed")
			} else {
				log.Debug().Err(rerr).Msg("attempt for removed task not recorded")
			}
		}
	}
	return mentioned
}
