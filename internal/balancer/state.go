package balancer

import (
	"context"
	"time"

	"github.com/xwell/autobrr-loadbalance/internal/qbit"
	"github.com/xwell/autobrr-loadbalance/internal/traffic"
)

// Status is the connectivity state of one instance.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Metrics is the last successful stats poll. Values go stale but are never
// discarded on poll failure; the instance loses eligibility through its
// status instead.
type Metrics struct {
	UploadSpeed     int64 // bytes/s
	DownloadSpeed   int64
	ActiveDownloads int
	FreeSpace       int64
	MeasuredAt      time.Time
}

// InstanceState is a point-in-time view of one instance, as handed to the
// selector. Config-derived limits are copied in so selection needs nothing
// beyond the snapshot.
type InstanceState struct {
	Name    string
	Status  Status
	Metrics Metrics

	Traffic    *traffic.Usage // nil until first successful fetch
	TrafficErr bool           // last fetch failed

	TrafficLimit  int64 // bytes, 0 disables the gate
	ReservedSpace int64 // bytes, 0 disables the gate

	ReconnectAttempts int // failed logins this cycle
	TasksAssigned     int // reservations this round
	SlotCap           int
	TotalAssigned     int64 // lifetime dispatch counter
}

// Conn is the remote API surface the balancer needs from one instance.
// *qbit.Client implements it; tests substitute fakes.
type Conn interface {
	Login(ctx context.Context) (*qbit.Session, error)
	Stats(ctx context.Context, s *qbit.Session) (qbit.Stats, error)
	Add(ctx context.Context, s *qbit.Session, req qbit.AddRequest) (string, error)
	Progress(ctx context.Context, s *qbit.Session, hash string) (qbit.Progress, error)
	Reannounce(ctx context.Context, s *qbit.Session, hash string) error
}

// TrafficFetcher is the optional per-instance traffic endpoint.
type TrafficFetcher interface {
	Fetch(ctx context.Context) (traffic.Usage, error)
}
