package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Supervisor restores lost sessions. Each tick opens a new cycle: attempt
// counters reset, then every Disconnected instance gets a login loop bounded
// by the per-cycle attempt cap. Once the cap is spent the instance waits for
// the next tick, however soon a retry would otherwise be possible.
type Supervisor struct {
	reg        *Registry
	interval   time.Duration
	retryDelay time.Duration
	timeout    time.Duration

	mu   sync.Mutex
	busy map[string]bool
}

func NewSupervisor(reg *Registry, interval, retryDelay, timeout time.Duration) *Supervisor {
	return &Supervisor{
		reg:        reg,
		interval:   interval,
		retryDelay: retryDelay,
		timeout:    timeout,
		busy:       make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled. Call in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("reconnection supervisor started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.reg.ResetReconnectCycle()

	for _, name := range s.reg.Names() {
		st, ok := s.reg.State(name)
		if !ok || st.Status != StatusDisconnected {
			continue
		}
		if !s.claim(name) {
			continue
		}
		go func(name string) {
			defer s.release(name)
			s.reconnect(ctx, name)
		}(name)
	}
}

// reconnect runs one instance's login loop for this cycle. Each iteration
// passes through Reconnecting so the selector never sees a session being
// replaced.
func (s *Supervisor) reconnect(ctx context.Context, name string) {
	conn, _, ok := s.reg.Conn(name)
	if !ok {
		return
	}

	for s.reg.BeginReconnect(name) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		sess, err := conn.Login(callCtx)
		cancel()

		if err == nil {
			s.reg.MarkConnected(name, sess)
			log.Info().Str("instance", name).Msg("instance reconnected")
			return
		}

		s.reg.FailReconnect(name)
		st, _ := s.reg.State(name)
		log.Warn().Err(err).
			Str("instance", name).
			Int("attempts", st.ReconnectAttempts).
			Msg("reconnect attempt failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Supervisor) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[name] {
		return false
	}
	s.busy[name] = true
	return true
}

func (s *Supervisor) release(name string) {
	s.mu.Lock()
	delete(s.busy, name)
	s.mu.Unlock()
}
