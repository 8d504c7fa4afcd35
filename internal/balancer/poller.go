package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller refreshes every instance's stats on a fixed interval and detects
// connectivity loss. One poll interval is also one admission round, so each
// tick starts by resetting the round counters.
type Poller struct {
	reg          *Registry
	interval     time.Duration
	trafficEvery time.Duration
	timeout      time.Duration
}

func NewPoller(reg *Registry, interval, trafficEvery, timeout time.Duration) *Poller {
	return &Poller{
		reg:          reg,
		interval:     interval,
		trafficEvery: trafficEvery,
		timeout:      timeout,
	}
}

// Run blocks until ctx is cancelled. Call in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("metrics poller started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	// Round boundary: reservations from the previous round are settled
	// under the per-entry locks before any new reservation can land.
	p.reg.ResetRound()

	var wg sync.WaitGroup
	for _, name := range p.reg.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.pollOne(ctx, name)
		}(name)
	}
	wg.Wait()

	p.reg.LogSummary()
}

// pollOne refreshes one instance. Instances mid-reconnect are skipped so the
// supervisor's login is never observed halfway.
func (p *Poller) pollOne(ctx context.Context, name string) {
	st, ok := p.reg.State(name)
	if !ok || st.Status == StatusReconnecting {
		return
	}

	if st.Status == StatusConnected {
		p.pollStats(ctx, name)
	}
	p.pollTraffic(ctx, name)
}

func (p *Poller) pollStats(ctx context.Context, name string) {
	conn, _, _ := p.reg.Conn(name)
	_, sess, ok := p.reg.Lease(name)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stats, err := conn.Stats(callCtx, sess)
	if err != nil {
		if p.reg.MarkDisconnected(name) {
			log.Warn().Err(err).Str("instance", name).Msg("instance lost")
		}
		return
	}

	p.reg.UpdateMetrics(name, Metrics{
		UploadSpeed:     stats.UploadSpeed,
		DownloadSpeed:   stats.DownloadSpeed,
		ActiveDownloads: stats.ActiveDownloads,
		FreeSpace:       stats.FreeSpace,
		MeasuredAt:      time.Now(),
	})
	log.Debug().
		Str("instance", name).
		Int64("up_bps", stats.UploadSpeed).
		Int64("dl_bps", stats.DownloadSpeed).
		Int("active", stats.ActiveDownloads).
		Msg("metrics updated")
}

// pollTraffic queries the optional traffic endpoint. Failures never touch
// connectivity; they only flag the snapshot for the selector's policy.
func (p *Poller) pollTraffic(ctx context.Context, name string) {
	if !p.reg.TrafficDue(name, p.trafficEvery) {
		return
	}
	_, tf, ok := p.reg.Conn(name)
	if !ok || tf == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	usage, err := tf.Fetch(callCtx)
	if err != nil {
		p.reg.MarkTrafficError(name)
		log.Warn().Err(err).Str("instance", name).Msg("traffic fetch failed")
		return
	}
	if usage.Throttled {
		log.Warn().Str("instance", name).Msg("instance is traffic throttled")
	}
	p.reg.UpdateTraffic(name, usage)
}
