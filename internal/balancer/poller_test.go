package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwell/autobrr-loadbalance/internal/config"
	"github.com/xwell/autobrr-loadbalance/internal/event"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
	"github.com/xwell/autobrr-loadbalance/internal/traffic"
)

func newTestPoller(reg *Registry) *Poller {
	return NewPoller(reg, time.Second, 0, time.Second)
}

func TestPollUpdatesMetrics(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")
	conns["qb1"].stats = qbit.Stats{
		UploadSpeed:     1200,
		DownloadSpeed:   800,
		ActiveDownloads: 3,
		FreeSpace:       1 << 40,
	}

	newTestPoller(reg).tick(context.Background())

	st, _ := reg.State("qb1")
	assert.Equal(t, int64(1200), st.Metrics.UploadSpeed)
	assert.Equal(t, 3, st.Metrics.ActiveDownloads)
	assert.False(t, st.Metrics.MeasuredAt.IsZero())
}

func TestPollFailureDisconnects(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")
	reg.UpdateMetrics("qb1", Metrics{UploadSpeed: 700})
	conns["qb1"].statsErr = errors.New("connection refused")

	newTestPoller(reg).tick(context.Background())

	st, _ := reg.State("qb1")
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Equal(t, int64(700), st.Metrics.UploadSpeed, "stale metrics survive the failure")
}

func TestPollSkipsDisconnected(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")
	reg.MarkDisconnected("qb1")
	conns["qb1"].stats = qbit.Stats{UploadSpeed: 1}

	newTestPoller(reg).tick(context.Background())

	st, _ := reg.State("qb1")
	assert.Zero(t, st.Metrics.UploadSpeed)
	assert.Equal(t, StatusDisconnected, st.Status)
}

func TestPollResetsRound(t *testing.T) {
	reg, _ := newTestRegistry(1, 1, "qb1")
	require.True(t, reg.TryReserveSlot("qb1"))
	require.False(t, reg.TryReserveSlot("qb1"))

	newTestPoller(reg).tick(context.Background())

	assert.True(t, reg.TryReserveSlot("qb1"))
}

func TestPollTraffic(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry(5, 1, bus)
	fc := &fakeConn{}
	tf := &fakeTraffic{usage: traffic.Usage{InBytes: 10, OutBytes: 20}}
	reg.Add(config.InstanceConfig{Name: "qb1", URL: "http://qb1"}, fc, tf)
	reg.MarkConnected("qb1", &qbit.Session{})

	newTestPoller(reg).tick(context.Background())

	st, _ := reg.State("qb1")
	require.NotNil(t, st.Traffic)
	assert.Equal(t, int64(30), st.Traffic.Total())
	assert.Equal(t, 1, tf.calls)
}

func TestPollTrafficIntervalRespected(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry(5, 1, bus)
	tf := &fakeTraffic{}
	reg.Add(config.InstanceConfig{Name: "qb1", URL: "http://qb1"}, &fakeConn{}, tf)
	reg.MarkConnected("qb1", &qbit.Session{})

	p := NewPoller(reg, time.Second, time.Hour, time.Second)
	p.tick(context.Background())
	p.tick(context.Background())

	assert.Equal(t, 1, tf.calls, "second fetch is not due for an hour")
}

func TestPollTrafficErrorDoesNotDisconnect(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry(5, 1, bus)
	tf := &fakeTraffic{err: errors.New("endpoint down")}
	reg.Add(config.InstanceConfig{Name: "qb1", URL: "http://qb1"}, &fakeConn{}, tf)
	reg.MarkConnected("qb1", &qbit.Session{})

	newTestPoller(reg).tick(context.Background())

	st, _ := reg.State("qb1")
	assert.Equal(t, StatusConnected, st.Status)
	assert.True(t, st.TrafficErr)
}

func TestPollRunStopsOnCancel(t *testing.T) {
	reg, _ := newTestRegistry(5, 1, "qb1")
	p := NewPoller(reg, 10*time.Millisecond, 0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
