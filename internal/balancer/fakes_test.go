package balancer

import (
	"context"
	"sync"

	"github.com/xwell/autobrr-loadbalance/internal/config"
	"github.com/xwell/autobrr-loadbalance/internal/event"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
	"github.com/xwell/autobrr-loadbalance/internal/traffic"
)

// fakeConn is a scriptable Conn for tests.
type fakeConn struct {
	mu sync.Mutex

	loginErr   error
	loginCalls int

	stats    qbit.Stats
	statsErr error

	addHash  string
	addErr   error
	addCalls int
	lastAdd  qbit.AddRequest

	progress    qbit.Progress
	progressErr error

	reannounceErr   error
	reannounceCalls int
}

func (f *fakeConn) Login(context.Context) (*qbit.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &qbit.Session{}, nil
}

func (f *fakeConn) Stats(context.Context, *qbit.Session) (qbit.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeConn) Add(_ context.Context, _ *qbit.Session, req qbit.AddRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	f.lastAdd = req
	if f.addErr != nil {
		return "", f.addErr
	}
	return f.addHash, nil
}

func (f *fakeConn) Progress(context.Context, *qbit.Session, string) (qbit.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress, f.progressErr
}

func (f *fakeConn) Reannounce(context.Context, *qbit.Session, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reannounceCalls++
	return f.reannounceErr
}

func (f *fakeConn) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls
}

type fakeTraffic struct {
	usage traffic.Usage
	err   error
	calls int
}

func (f *fakeTraffic) Fetch(context.Context) (traffic.Usage, error) {
	f.calls++
	return f.usage, f.err
}

// newTestRegistry builds a registry with one fakeConn per name, all connected.
func newTestRegistry(slotCap, maxReconnect int, names ...string) (*Registry, map[string]*fakeConn) {
	reg := NewRegistry(slotCap, maxReconnect, event.NewBus())
	conns := make(map[string]*fakeConn, len(names))
	for _, name := range names {
		fc := &fakeConn{}
		conns[name] = fc
		reg.Add(config.InstanceConfig{
			Name: name, URL: "http://" + name, Username: "u", Password: "p",
		}, fc, nil)
		reg.MarkConnected(name, &qbit.Session{})
	}
	return reg, conns
}
