// Package server wires the balancer together: registry, pollers, announce
// scheduler and the inbound adapters, plus signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xwell/autobrr-loadbalance/internal/announce"
	"github.com/xwell/autobrr-loadbalance/internal/balancer"
	"github.com/xwell/autobrr-loadbalance/internal/config"
	"github.com/xwell/autobrr-loadbalance/internal/event"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
	"github.com/xwell/autobrr-loadbalance/internal/traffic"
	"github.com/xwell/autobrr-loadbalance/internal/watch"
	"github.com/xwell/autobrr-loadbalance/internal/webhook"
)

func Run(ctx context.Context, cfg *config.Config) error {
	bus := event.NewBus()
	reg := balancer.NewRegistry(
		cfg.Scheduler.MaxNewTasksPerInstance,
		cfg.Connection.MaxReconnectAttempts,
		bus,
	)

	timeout := cfg.Connection.Timeout()
	for _, ic := range cfg.Instances {
		client := qbit.NewClient(ic.URL, ic.Username, ic.Password, timeout)
		var tf balancer.TrafficFetcher
		if ic.TrafficCheckURL != "" {
			tf = traffic.NewFetcher(ic.TrafficCheckURL, timeout)
		}
		reg.Add(ic, client, tf)
	}

	pol := balancer.Policy{
		Key:               balancer.SortKey(cfg.Scheduler.PrimarySortKey),
		TrafficFailClosed: cfg.Traffic.FailClosed,
	}
	dispatcher := balancer.NewDispatcher(reg, pol, cfg.Scheduler.DebugAddStopped, bus)

	announcer := announce.NewScheduler(reg, announce.Config{
		FastInterval: cfg.Announce.FastInterval(),
		SlowAfter:    cfg.Announce.SlowAfterAge(),
		MaxRetries:   cfg.Announce.MaxAnnounceRetries,
		MinPeers:     cfg.Announce.MinPeers,
		CallTimeout:  timeout,
	}, bus)

	subscribeLogging(bus)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	announcer.Start(runCtx)
	connectAll(runCtx, reg, timeout)

	poller := balancer.NewPoller(reg, cfg.Scheduler.PollEvery(), cfg.Traffic.FetchEvery(), timeout)
	go poller.Run(runCtx)

	supervisor := balancer.NewSupervisor(reg,
		cfg.Connection.ReconnectEvery(), cfg.Connection.RetryDelay(), timeout)
	go supervisor.Run(runCtx)

	if cfg.Watch.Enabled {
		watcher := watch.New(cfg.Watch.Dir, cfg.Watch.DefaultCategory, dispatcher)
		go func() {
			if err := watcher.Run(runCtx); err != nil {
				log.Error().Err(err).Msg("torrent watcher failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	var webhookSrv *webhook.Server
	if cfg.Webhook.Enabled {
		webhookSrv = webhook.New(cfg.Webhook, dispatcher, reg, announcer)
		go func() {
			if err := webhookSrv.Start(); err != nil {
				errCh <- fmt.Errorf("webhook server: %w", err)
			}
		}()
	}

	log.Info().
		Int("instances", len(cfg.Instances)).
		Str("sort_key", cfg.Scheduler.PrimarySortKey).
		Msg("load balancer started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		cancel()
		return err
	}

	// No durability promises: timers are cancelled, nothing is flushed.
	cancel()
	announcer.Stop()

	if webhookSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("webhook shutdown error")
		}
	}
	return nil
}

// connectAll makes the initial login attempt for every instance in parallel.
// Failures are not counted against the reconnect cycle; the supervisor takes
// over from here.
func connectAll(ctx context.Context, reg *balancer.Registry, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, name := range reg.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			conn, _, ok := reg.Conn(name)
			if !ok {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			sess, err := conn.Login(callCtx)
			if err != nil {
				log.Error().Err(err).Str("instance", name).Msg("initial connection failed")
				return
			}
			reg.MarkConnected(name, sess)
			log.Info().Str("instance", name).Msg("instance connected")
		}(name)
	}
	wg.Wait()
}

func subscribeLogging(bus event.Bus) {
	bus.Subscribe(event.EventAnnounceSucceeded, func(_ context.Context, e event.Event) error {
		if p, ok := e.Payload.(event.JobEvent); ok {
			log.Info().Str("hash", p.Hash).Str("instance", p.Instance).
				Int("attempts", p.Attempts).Msg("announce settled")
		}
		return nil
	})
	bus.Subscribe(event.EventAnnounceExhausted, func(_ context.Context, e event.Event) error {
		if p, ok := e.Payload.(event.JobEvent); ok {
			log.Warn().Str("hash", p.Hash).Str("instance", p.Instance).
				Int("attempts", p.Attempts).Msg("announce retry budget exhausted")
		}
		return nil
	})
}
