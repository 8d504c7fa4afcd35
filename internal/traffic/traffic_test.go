package traffic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchConvertsMegabytesToBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"in": 100.5, "out": 50.25, "start_date": "2026-08-01", "trafficThrottled": false}`))
	}))
	defer srv.Close()

	u, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100.5*1024*1024), u.InBytes)
	assert.Equal(t, int64(50.25*1024*1024), u.OutBytes)
	assert.Equal(t, u.InBytes+u.OutBytes, u.Total())
	assert.Equal(t, "2026-08-01", u.PeriodStart)
	assert.False(t, u.Throttled)
	assert.False(t, u.FetchedAt.IsZero())
}

func TestFetchThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"in": 900, "out": 200, "trafficThrottled": true}`))
	}))
	defer srv.Close()

	u, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, u.Throttled)
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestFetchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.Error(t, err)
}
