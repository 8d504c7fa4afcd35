package balancer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/xwell/autobrr-loadbalance/internal/event"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
)

// Request is one inbound "add this download", already normalized by its
// adapter (webhook or file watcher).
type Request struct {
	URL      string
	FilePath string
	Name     string
	Category string
	SavePath string
	UpLimit  int64
	DlLimit  int64
	Paused   bool
}

// Result identifies where a request landed.
type Result struct {
	Instance string
	Hash     string
}

// Dispatcher routes one request to the best eligible instance: select,
// reserve a slot, call the remote add, and register the announce job via the
// bus. A failed remote add releases the slot and surfaces the error; there
// is no rerouting to a second instance within the same request.
type Dispatcher struct {
	reg             *Registry
	pol             Policy
	debugAddStopped bool
	bus             event.Bus
}

func NewDispatcher(reg *Registry, pol Policy, debugAddStopped bool, bus event.Bus) *Dispatcher {
	return &Dispatcher{
		reg:             reg,
		pol:             pol,
		debugAddStopped: debugAddStopped,
		bus:             bus,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	excluded := make(map[string]bool)

	for {
		candidate, err := Select(d.filtered(excluded), d.pol)
		if err != nil {
			return Result{}, err
		}

		// Selection saw spare capacity, but a concurrent request may have
		// taken the last slot since the snapshot. Losing the reservation
		// race just reruns selection without this instance.
		if !d.reg.TryReserveSlot(candidate.Name) {
			excluded[candidate.Name] = true
			continue
		}

		conn, sess, ok := d.reg.Lease(candidate.Name)
		if !ok {
			d.reg.ReleaseSlot(candidate.Name)
			excluded[candidate.Name] = true
			continue
		}

		hash, err := conn.Add(ctx, sess, qbit.AddRequest{
			URL:      req.URL,
			FilePath: req.FilePath,
			Category: req.Category,
			SavePath: req.SavePath,
			Paused:   d.debugAddStopped || req.Paused,
			UpLimit:  req.UpLimit,
			DlLimit:  req.DlLimit,
		})
		if err != nil {
			d.reg.ReleaseSlot(candidate.Name)
			if errors.Is(err, qbit.ErrAuth) {
				d.reg.MarkDisconnected(candidate.Name)
			}
			return Result{}, fmt.Errorf("add to %s: %w", candidate.Name, err)
		}

		log.Info().
			Str("instance", candidate.Name).
			Str("name", req.Name).
			Str("category", req.Category).
			Str("hash", hash).
			Msg("torrent dispatched")

		if hash == "" {
			log.Warn().Str("name", req.Name).
				Msg("could not resolve torrent hash, announce monitoring skipped")
		} else if d.debugAddStopped {
			// Stopped torrents never contact their tracker; monitoring
			// them would only burn the retry budget.
			log.Debug().Str("hash", hash).Msg("debug mode, announce monitoring skipped")
		} else {
			d.bus.Publish(ctx, event.Event{
				Type: event.EventJobDispatched,
				Payload: event.JobEvent{
					Hash:     hash,
					Instance: candidate.Name,
					Name:     req.Name,
					Category: req.Category,
				},
			})
		}
		return Result{Instance: candidate.Name, Hash: hash}, nil
	}
}

func (d *Dispatcher) filtered(excluded map[string]bool) []InstanceState {
	snap := d.reg.Snapshot()
	if len(excluded) == 0 {
		return snap
	}
	out := snap[:0]
	for _, s := range snap {
		if !excluded[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
