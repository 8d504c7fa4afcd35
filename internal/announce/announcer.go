// Package announce re-announces freshly dispatched torrents to their
// trackers until they have found enough peers or the retry budget runs out.
// Each pending job owns exactly one timer; jobs are independent of instance
// health bookkeeping, a dead instance just makes attempts fail.
package announce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xwell/autobrr-loadbalance/internal/balancer"
	"github.com/xwell/autobrr-loadbalance/internal/event"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
)

type JobState int

const (
	StatePending JobState = iota
	StateSucceeded
	StateExhausted
)

func (s JobState) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

// Job is the externally visible view of one announce job.
type Job struct {
	Hash          string
	Instance      string
	Name          string
	CreatedAt     time.Time
	Attempts      int
	NextAttemptAt time.Time
	State         JobState
}

// Source hands out a live connection and session for an instance.
// *balancer.Registry implements it.
type Source interface {
	Lease(name string) (balancer.Conn, *qbit.Session, bool)
}

type Config struct {
	// FastInterval is the initial cadence between attempts.
	FastInterval time.Duration
	// SlowAfter is the job age beyond which the cadence drops to
	// 2x FastInterval, easing tracker load for long-lived jobs.
	SlowAfter time.Duration
	// MaxRetries bounds reannounce attempts per job.
	MaxRetries int
	// MinPeers is the peer count at which a job counts as settled.
	MinPeers int
	// CallTimeout bounds each remote call.
	CallTimeout time.Duration
}

type Scheduler struct {
	src Source
	cfg Config
	bus event.Bus

	mu     sync.Mutex
	jobs   map[string]*trackedJob
	ctx    context.Context
	closed bool
}

type trackedJob struct {
	Job
	timer *time.Timer
}

func NewScheduler(src Source, cfg Config, bus event.Bus) *Scheduler {
	return &Scheduler{
		src:  src,
		cfg:  cfg,
		bus:  bus,
		jobs: make(map[string]*trackedJob),
	}
}

// Start wires the scheduler to dispatch events and binds its remote calls to
// ctx. Cancelling ctx stops all timers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.bus.Subscribe(event.EventJobDispatched, func(_ context.Context, e event.Event) error {
		p, ok := e.Payload.(event.JobEvent)
		if !ok || p.Hash == "" {
			return nil
		}
		s.Track(p.Hash, p.Instance, p.Name)
		return nil
	})

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Track registers a new pending job. Tracking an already-pending hash is a
// no-op, so a duplicate dispatch can never spawn a second timer.
func (s *Scheduler) Track(hash, instance, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.jobs[hash]; exists {
		log.Debug().Str("hash", hash).Msg("announce job already tracked")
		return
	}

	now := time.Now()
	j := &trackedJob{Job: Job{
		Hash:          hash,
		Instance:      instance,
		Name:          name,
		CreatedAt:     now,
		NextAttemptAt: now.Add(s.cfg.FastInterval),
		State:         StatePending,
	}}
	j.timer = time.AfterFunc(s.cfg.FastInterval, func() { s.tick(hash) })
	s.jobs[hash] = j

	log.Debug().Str("hash", hash).Str("instance", instance).Msg("announce job tracked")
}

// tick runs one attempt for one job: check progress, then settle, exhaust,
// or reannounce and reschedule.
func (s *Scheduler) tick(hash string) {
	s.mu.Lock()
	j, ok := s.jobs[hash]
	if !ok || j.State != StatePending {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	prog, err := s.progress(ctx, j.Instance, hash)
	if err == nil && (prog.Progress >= 1.0 || prog.Peers >= s.cfg.MinPeers) {
		s.finish(hash, StateSucceeded)
		return
	}

	s.mu.Lock()
	if j.State != StatePending {
		s.mu.Unlock()
		return
	}
	if j.Attempts+1 > s.cfg.MaxRetries {
		s.mu.Unlock()
		s.finish(hash, StateExhausted)
		return
	}
	s.mu.Unlock()

	if reErr := s.reannounce(ctx, j.Instance, hash); reErr != nil {
		// Budget is consumed either way; a Disconnected instance fails
		// here like any other remote error.
		log.Warn().Err(reErr).Str("hash", hash).Str("instance", j.Instance).
			Msg("reannounce failed")
	} else {
		log.Debug().Str("hash", hash).Int("peers", prog.Peers).
			Msg("reannounce triggered")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.State != StatePending || s.closed {
		return
	}
	j.Attempts++
	iv := s.nextInterval(j.CreatedAt)
	j.NextAttemptAt = time.Now().Add(iv)
	j.timer = time.AfterFunc(iv, func() { s.tick(hash) })
}

// nextInterval returns the cadence for a job created at the given time:
// FastInterval while young, twice that once older than SlowAfter.
func (s *Scheduler) nextInterval(createdAt time.Time) time.Duration {
	if s.cfg.SlowAfter > 0 && time.Since(createdAt) > s.cfg.SlowAfter {
		return 2 * s.cfg.FastInterval
	}
	return s.cfg.FastInterval
}

func (s *Scheduler) progress(ctx context.Context, instance, hash string) (qbit.Progress, error) {
	conn, sess, ok := s.src.Lease(instance)
	if !ok {
		return qbit.Progress{}, errInstanceUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return conn.Progress(callCtx, sess, hash)
}

func (s *Scheduler) reannounce(ctx context.Context, instance, hash string) error {
	conn, sess, ok := s.src.Lease(instance)
	if !ok {
		return errInstanceUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return conn.Reannounce(callCtx, sess, hash)
}

func (s *Scheduler) finish(hash string, state JobState) {
	s.mu.Lock()
	j, ok := s.jobs[hash]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.State = state
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, hash)
	attempts := j.Attempts
	instance, name := j.Instance, j.Name
	s.mu.Unlock()

	evType := event.EventAnnounceSucceeded
	if state == StateExhausted {
		evType = event.EventAnnounceExhausted
	}
	s.bus.Publish(context.Background(), event.Event{
		Type: evType,
		Payload: event.JobEvent{
			Hash:     hash,
			Instance: instance,
			Name:     name,
			Attempts: attempts,
		},
	})
}

// Pending returns the number of jobs still being retried.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns a copy of all pending jobs, for health reporting and tests.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	return out
}

// CancelInstance exhausts every pending job on one instance immediately.
func (s *Scheduler) CancelInstance(instance string) {
	s.mu.Lock()
	var hashes []string
	for hash, j := range s.jobs {
		if j.Instance == instance {
			hashes = append(hashes, hash)
		}
	}
	s.mu.Unlock()

	for _, hash := range hashes {
		s.finish(hash, StateExhausted)
	}
}

// Stop cancels every timer. No final announce is attempted; pending jobs are
// simply dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for hash, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, hash)
	}
}

var errInstanceUnavailable = errors.New("instance unavailable")
