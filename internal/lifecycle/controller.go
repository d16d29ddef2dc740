// Package lifecycle owns the application state: the active session, the
// task registry and the scheduler units bound to it. Every mutation is
// written to the store first and applied in memory only when the write
// succeeded.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
	"groupcast/internal/metrics"
	"groupcast/internal/registry"
	"groupcast/internal/scheduler"
	"groupcast/internal/store"
)

// Engine is the part of the scheduler the controller drives.
type Engine interface {
	Ensure(id string) bool
	Kick(id string)
	KickAll()
}

// Definition describes one task to create. Exactly one of Every and At
// selects the schedule.
type Definition struct {
	Group      string
	Every      int
	At         string
	ImagePath  string
	Text       string
	TagMembers bool
	Paused     bool
}

// Rule returns the schedule rule the definition selects.
func (d Definition) Rule() (domain.ScheduleRule, error) {
	at := strings.TrimSpace(d.At)
	switch {
	case d.Every != 0 && at != "":
		return domain.ScheduleRule{}, fmt.Errorf("%w: set either an interval or a daily time, not both", domain.ErrValidation)
	case at != "":
		return domain.ParseRule(string(domain.RuleDaily), at)
	case d.Every != 0:
		r := domain.IntervalRule(d.Every)
		return r, r.Validate()
	default:
		return domain.ScheduleRule{}, fmt.Errorf("%w: a schedule (interval or daily time) is required", domain.ErrValidation)
	}
}

// SessionInfo summarises the active session without its secrets.
type SessionInfo struct {
	Authenticated bool
	Phone         string
	APIID         int64
	Since         time.Time
}

type Controller struct {
	store   store.Repository
	reg     *registry.Registry
	engine  Engine
	gw      gateway.Gateway
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	// mu serializes mutations so the store and the registry change in the
	// same order.
	mu      sync.Mutex
	session *domain.Session
}

func New(st store.Repository, reg *registry.Registry, eng Engine, gw gateway.Gateway, m *metrics.Metrics, log zerolog.Logger) *Controller {
	return &Controller{
		store:   st,
		reg:     reg,
		engine:  eng,
		gw:      gw,
		metrics: m,
		log:     log.With().Str("component", "lifecycle").Logger(),
		now:     time.Now,
	}
}

// NewID returns a fresh task id.
func NewID() string {
	return "tsk_" + uuid.NewString()
}

func (c *Controller) authorized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorizedLocked()
}

func (c *Controller) authorizedLocked() error {
	if c.session == nil {
		return fmt.Errorf("%w: log in first", domain.ErrAuth)
	}
	return nil
}

func (c *Controller) Session() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionInfo{}
	}
	return SessionInfo{
		Authenticated: true,
		Phone:         c.session.Phone,
		APIID:         c.session.APIID,
		Since:         c.session.CreatedAt,
	}
}

// Create validates every definition before touching the store. If a write
// fails part way, the ids created so far are returned with the error.
func (c *Controller) Create(ctx context.Context, defs ...Definition) ([]string, error) {
	if err := c.authorized(); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no task definitions", domain.ErrValidation)
	}

	now := c.now().UTC()
	tasks := make([]domain.Task, 0, len(defs))
	for i, d := range defs {
		t, err := build(d, now)
		if err != nil {
			if len(defs) > 1 {
				return nil, fmt.Errorf("task %d: %w", i+1, err)
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The session may have ended while validating.
	if err := c.authorizedLocked(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		t.ID = NewID()
		if err := c.store.UpsertTask(ctx, t); err != nil {
			c.refreshMetrics()
			return ids, err
		}
		c.reg.Set(t)
		if t.Status == domain.StatusRunning {
			c.engine.Ensure(t.ID)
		}
		ids = append(ids, t.ID)
		c.log.Info().Str("task_id", t.ID).Str("group", t.Group).Stringer("rule", t.Rule).Str("status", string(t.Status)).Msg("task created")
	}
	c.refreshMetrics()
	return ids, nil
}

func build(d Definition, now time.Time) (domain.Task, error) {
	group := strings.TrimSpace(d.Group)
	if group == "" {
		return domain.Task{}, fmt.Errorf("%w: group is required", domain.ErrValidation)
	}
	rule, err := d.Rule()
	if err != nil {
		return domain.Task{}, err
	}
	if err := scheduler.ValidateRule(rule); err != nil {
		return domain.Task{}, err
	}
	if d.ImagePath == "" && strings.TrimSpace(d.Text) == "" {
		return domain.Task{}, fmt.Errorf("%w: text or image is required", domain.ErrValidation)
	}
	if d.ImagePath != "" {
		if err := checkReadable(d.ImagePath); err != nil {
			return domain.Task{}, err
		}
	}

	status := domain.StatusRunning
	if d.Paused {
		status = domain.StatusScheduled
	}
	return domain.Task{
		Group:      group,
		Rule:       rule,
		ImagePath:  d.ImagePath,
		Text:       d.Text,
		TagMembers: d.TagMembers,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: image %s: %v", domain.ErrValidation, path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: image %s: %v", domain.ErrValidation, path, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: image %s is not a regular file", domain.ErrValidation, path)
	}
	return nil
}

func (c *Controller) List(ctx context.Context) ([]domain.Task, error) {
	if err := c.authorized(); err != nil {
		return nil, err
	}
	return c.reg.Snapshot(), nil
}

func (c *Controller) Get(ctx context.Context, id string) (domain.Task, error) {
	if err := c.authorized(); err != nil {
		return domain.Task{}, err
	}
	t, ok := c.reg.Get(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// Stop reports whether the task was running. The bound unit exits on its
// next check; an attempt already in flight completes.
func (c *Controller) Stop(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizedLocked(); err != nil {
		return false, err
	}
	status := c.reg.Status(id)
	if status == domain.StatusDeleted {
		return false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if status != domain.StatusRunning {
		return false, nil
	}
	if err := c.store.UpdateTaskStatus(ctx, id, domain.StatusStopped); err != nil {
		return false, err
	}
	c.setStatus(id, domain.StatusStopped)
	c.engine.Kick(id)
	c.refreshMetrics()
	c.log.Info().Str("task_id", id).Msg("task stopped")
	return true, nil
}

// Resume starts a stopped or scheduled task. It reports false when the
// task was already running.
func (c *Controller) Resume(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizedLocked(); err != nil {
		return false, err
	}
	switch c.reg.Status(id) {
	case domain.StatusDeleted:
		return false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	case domain.StatusRunning:
		c.engine.Ensure(id)
		return false, nil
	}
	if err := c.store.UpdateTaskStatus(ctx, id, domain.StatusRunning); err != nil {
		return false, err
	}
	c.setStatus(id, domain.StatusRunning)
	c.engine.Ensure(id)
	c.refreshMetrics()
	c.log.Info().Str("task_id", id).Msg("task resumed")
	return true, nil
}

func (c *Controller) setStatus(id string, s domain.Status) {
	now := c.now().UTC()
	c.reg.Update(id, func(t *domain.Task) {
		t.Status = s
		t.UpdatedAt = now
	})
}

// Edit changes group, rule, text or the mention flag. A running unit picks
// the change up immediately.
func (c *Controller) Edit(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	if err := c.authorized(); err != nil {
		return domain.Task{}, err
	}
	if p.Empty() {
		return domain.Task{}, fmt.Errorf("%w: nothing to update", domain.ErrValidation)
	}
	if p.Group != nil {
		g := strings.TrimSpace(*p.Group)
		if g == "" {
			return domain.Task{}, fmt.Errorf("%w: group must not be empty", domain.ErrValidation)
		}
		p.Group = &g
	}
	if p.Rule != nil {
		if err := scheduler.ValidateRule(*p.Rule); err != nil {
			return domain.Task{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizedLocked(); err != nil {
		return domain.Task{}, err
	}
	cur, ok := c.reg.Get(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	next := cur
	p.Apply(&next)
	if next.ImagePath == "" && strings.TrimSpace(next.Text) == "" {
		return domain.Task{}, fmt.Errorf("%w: text or image is required", domain.ErrValidation)
	}

	updated, err := c.store.EditTask(ctx, id, p)
	if err != nil {
		return domain.Task{}, err
	}
	c.reg.Set(updated)
	c.engine.Kick(id)
	c.log.Info().Str("task_id", id).Str("group", updated.Group).Stringer("rule", updated.Rule).Msg("task edited")
	return updated, nil
}

// Delete removes the task. A delivery already in flight completes but the
// task never fires again.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizedLocked(); err != nil {
		return err
	}
	if err := c.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.reg.Remove(id)
	c.engine.Kick(id)
	c.refreshMetrics()
	c.log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// Login authenticates the account and persists the session, replacing any
// previous one. Existing tasks are kept.
func (c *Controller) Login(ctx context.Context, creds gateway.Credentials) (SessionInfo, error) {
	creds.APIHash = strings.TrimSpace(creds.APIHash)
	creds.Phone = strings.TrimSpace(creds.Phone)
	if creds.APIID <= 0 || creds.APIHash == "" {
		return SessionInfo{}, fmt.Errorf("%w: api_id and api_hash are required", domain.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.gw.Connect(ctx, creds)
	if err != nil {
		c.log.Warn().Err(err).Int64("api_id", creds.APIID).Msg("login failed")
		return SessionInfo{}, err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now().UTC()
	}
	if err := c.store.SaveSession(ctx, s); err != nil {
		if derr := c.gw.Disconnect(ctx); derr != nil {
			c.log.Warn().Err(derr).Msg("disconnect after failed session save")
		}
		return SessionInfo{}, err
	}
	c.session = &s
	c.log.Info().Str("phone", s.Phone).Int64("api_id", s.APIID).Msg("logged in")
	return SessionInfo{Authenticated: true, Phone: s.Phone, APIID: s.APIID, Since: s.CreatedAt}, nil
}

// SyncSession saves the gateway's current session state when it differs
// from the stored copy. Nothing is saved while logged out or disconnected.
func (c *Controller) SyncSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	blob, err := c.gw.SessionBlob()
	if errors.Is(err, domain.ErrAuth) {
		return nil
	}
	if err != nil {
		return err
	}
	if bytes.Equal(blob, c.session.Blob) {
		return nil
	}
	s := *c.session
	s.Blob = blob
	if err := c.store.SaveSession(ctx, s); err != nil {
		return err
	}
	c.session = &s
	c.log.Debug().Int("bytes", len(blob)).Msg("session state saved")
	return nil
}

// WatchSession calls SyncSession each time changed fires, until ctx ends.
func (c *Controller) WatchSession(ctx context.Context, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			if err := c.SyncSession(ctx); err != nil {
				c.log.Warn().Err(err).Msg("save session state")
			}
		}
	}
}

// Logout clears the store, every task and the session. Units exit on their
// next check.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizedLocked(); err != nil {
		return err
	}
	if err := c.store.ClearAll(ctx); err != nil {
		return err
	}
	c.reg.Clear()
	c.engine.KickAll()
	c.session = nil
	if err := c.gw.Disconnect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("gateway disconnect failed")
	}
	c.refreshMetrics()
	c.log.Info().Msg("logged out")
	return nil
}

// Restore rebuilds state after a restart: the latest session reconnects the
// gateway and every running task gets its unit back. A gateway failure is
// logged and keeps the session, so units retry on their normal cycle.
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.store.LoadLatestSession(ctx)
	switch {
	case err == nil:
		c.session = &s
		if gerr := c.gw.Restore(ctx, s); gerr != nil {
			c.log.Warn().Err(gerr).Msg("session restore failed; deliveries will fail until login")
		} else {
			c.log.Info().Str("phone", s.Phone).Msg("session restored")
		}
	case errors.Is(err, domain.ErrNotFound):
		c.log.Info().Msg("no stored session")
	default:
		return err
	}

	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	c.reg.Replace(tasks)
	running := 0
	for _, t := range tasks {
		if t.Status == domain.StatusRunning {
			c.engine.Ensure(t.ID)
			running++
		}
	}
	c.refreshMetrics()
	c.log.Info().Int("tasks", len(tasks)).Int("running", running).Msg("tasks restored")
	return nil
}

// Attempts returns the task's most recent delivery attempts, newest first.
func (c *Controller) Attempts(ctx context.Context, id string, limit int) ([]domain.Attempt, error) {
	if err := c.authorized(); err != nil {
		return nil, err
	}
	if c.reg.Status(id) == domain.StatusDeleted {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return c.store.ListAttempts(ctx, id, limit)
}

// TaskCount is the number of tasks currently registered.
func (c *Controller) TaskCount() int {
	return c.reg.Len()
}

func (c *Controller) Groups(ctx context.Context) ([]gateway.Chat, error) {
	if err := c.authorized(); err != nil {
		return nil, err
	}
	return c.gw.Groups(ctx)
}

func (c *Controller) refreshMetrics() {
	counts := map[string]int{
		string(domain.StatusScheduled): 0,
		string(domain.StatusRunning):   0,
		string(domain.StatusStopped):   0,
	}
	for _, t := range c.reg.Snapshot() {
		counts[string(t.Status)]++
	}
	c.metrics.SetTaskCounts(counts)
}
