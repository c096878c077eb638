// Package schedule provides the per-agent scheduler: step-count triggers
// fired as the orchestrator completes model turns, and wall-clock triggers
// driven through a replaceable TimeBridge.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fire describes one trigger invocation.
type Fire struct {
	TaskID    string
	StepCount int
}

// Callback runs on the owning agent's dispatch queue, never in parallel
// with a model turn.
type Callback func(fire Fire)

// Scheduler owns an agent's step and time triggers. Dispatch routes every
// callback onto the agent's actor queue; tests may dispatch inline.
type Scheduler struct {
	bridge   TimeBridge
	dispatch func(func())
	logger   *slog.Logger

	mu        sync.Mutex
	steps     int
	byStep    []*stepTask
	cancelled map[string]bool
	cancel    context.CancelFunc
	ctx       context.Context
	stopped   bool
}

type stepTask struct {
	id    string
	every int
	cb    Callback
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeBridge replaces the clock. Default: RealClock.
func WithTimeBridge(b TimeBridge) Option {
	return func(s *Scheduler) { s.bridge = b }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. dispatch must serialize callbacks with the
// agent's turn processing; a nil dispatch runs callbacks inline.
func New(dispatch func(func()), opts ...Option) *Scheduler {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		bridge:    RealClock{},
		dispatch:  dispatch,
		logger:    slog.Default(),
		cancelled: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EverySteps fires cb each time n further model turns complete.
func (s *Scheduler) EverySteps(n int, cb Callback) string {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.byStep = append(s.byStep, &stepTask{id: id, every: n, cb: cb})
	return id
}

// At fires cb once when the bridge clock reaches t.
func (s *Scheduler) At(t time.Time, cb Callback) string {
	id := uuid.NewString()
	delay := t.Sub(s.bridge.Now())
	go s.waitAndFire(id, delay, cb, false)
	return id
}

// Every fires cb repeatedly at the given interval until Stop.
func (s *Scheduler) Every(d time.Duration, cb Callback) string {
	id := uuid.NewString()
	go s.waitAndFire(id, d, cb, true)
	return id
}

func (s *Scheduler) waitAndFire(id string, d time.Duration, cb Callback, repeat bool) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.bridge.After(d):
		}
		s.mu.Lock()
		stopped := s.stopped || s.cancelled[id]
		steps := s.steps
		s.mu.Unlock()
		if stopped {
			return
		}
		s.dispatch(func() { cb(Fire{TaskID: id, StepCount: steps}) })
		if !repeat {
			return
		}
	}
}

// NoteTurn is called by the orchestrator after each completed model turn;
// due step tasks are dispatched in registration order.
func (s *Scheduler) NoteTurn() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.steps++
	steps := s.steps
	var due []*stepTask
	for _, task := range s.byStep {
		if steps%task.every == 0 {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		cb := task.cb
		id := task.id
		s.dispatch(func() { cb(Fire{TaskID: id, StepCount: steps}) })
	}
}

// Steps reports completed model turns.
func (s *Scheduler) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Cancel removes a task by id. Timed tasks stop before their next fire.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, task := range s.byStep {
		if task.id == id {
			s.byStep = append(s.byStep[:i], s.byStep[i+1:]...)
			return
		}
	}
	s.cancelled[id] = true
}

// Stop halts all triggers. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	s.byStep = nil
}
