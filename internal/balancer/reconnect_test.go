package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(reg *Registry) *Supervisor {
	return NewSupervisor(reg, time.Hour, time.Millisecond, time.Second)
}

func waitForStatus(t *testing.T, reg *Registry, name string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := reg.State(name); ok && st.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := reg.State(name)
	t.Fatalf("instance %s stuck in %s, want %s", name, st.Status, want)
}

func TestReconnectRestoresSession(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")
	reg.MarkDisconnected("qb1")

	newTestSupervisor(reg).tick(context.Background())
	waitForStatus(t, reg, "qb1", StatusConnected)

	_, _, ok := reg.Lease("qb1")
	assert.True(t, ok)
	assert.Equal(t, 1, conns["qb1"].logins())
}

func TestReconnectRespectsAttemptCap(t *testing.T) {
	reg, conns := newTestRegistry(5, 2, "qb1")
	conns["qb1"].loginErr = errors.New("refused")
	reg.MarkDisconnected("qb1")

	s := newTestSupervisor(reg)
	s.tick(context.Background())
	waitForStatus(t, reg, "qb1", StatusDisconnected)

	// Give the loop time to overshoot if it were going to.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, conns["qb1"].logins(), "exactly the per-cycle budget")

	st, _ := reg.State("qb1")
	assert.Equal(t, 2, st.ReconnectAttempts)
}

func TestReconnectNewCycleRetriesAgain(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")
	conns["qb1"].loginErr = errors.New("refused")
	reg.MarkDisconnected("qb1")

	s := newTestSupervisor(reg)
	s.tick(context.Background())
	waitForStatus(t, reg, "qb1", StatusDisconnected)
	waitForLoginCount(t, conns["qb1"], 1)
	// Let the first cycle's loop drain and release the instance.
	time.Sleep(20 * time.Millisecond)

	conns["qb1"].mu.Lock()
	conns["qb1"].loginErr = nil
	conns["qb1"].mu.Unlock()

	s.tick(context.Background())
	waitForStatus(t, reg, "qb1", StatusConnected)
	assert.Equal(t, 2, conns["qb1"].logins())
}

func TestReconnectSkipsConnected(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")

	newTestSupervisor(reg).tick(context.Background())
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, conns["qb1"].logins())
}

func TestReconnectOnlyOneLoopPerInstance(t *testing.T) {
	reg, conns := newTestRegistry(5, 1, "qb1")
	conns["qb1"].loginErr = errors.New("refused")
	reg.MarkDisconnected("qb1")

	s := newTestSupervisor(reg)
	// Two overlapping ticks must not double the attempts of one cycle.
	s.tick(context.Background())
	s.tick(context.Background())
	waitForStatus(t, reg, "qb1", StatusDisconnected)
	time.Sleep(50 * time.Millisecond)

	assert.LessOrEqual(t, conns["qb1"].logins(), 2)
}

func waitForLoginCount(t *testing.T, fc *fakeConn, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc.logins() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("login count %d never reached %d", fc.logins(), want)
}

func TestReconnectStatePassesThroughReconnecting(t *testing.T) {
	reg, _ := newTestRegistry(5, 1, "qb1")
	reg.MarkDisconnected("qb1")

	require.True(t, reg.BeginReconnect("qb1"))
	st, _ := reg.State("qb1")
	assert.Equal(t, StatusReconnecting, st.Status)

	// Mid-reconnect the instance is not leasable.
	_, _, ok := reg.Lease("qb1")
	assert.False(t, ok)
}
