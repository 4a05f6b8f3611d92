package pocketfence

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool owns the outbound side of the proxy: a pooled
// [http.Transport] for forwarded requests and a dialer for CONNECT
// tunnels. Both share the same dial timeout.
type TransportPool struct {
	// MaxIdleConns is the total number of idle origin connections kept.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the number of idle connections kept per origin.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays in the pool.
	IdleConnTimeout time.Duration

	// DialTimeout bounds TCP connects to origins. Zero means 10 seconds.
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for origin response headers.
	// Zero means no limit beyond the request context.
	ResponseHeaderTimeout time.Duration

	transport atomic.Pointer[http.Transport]
	stats     transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	tunnelsDialed  atomic.Int64
}

// TransportPoolStats is a snapshot of outbound activity.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	TunnelsDialed  int64 `json:"tunnels_dialed"`
}

// NewTransportPool creates a pool with defaults suited to a single
// household proxy.
func NewTransportPool(dialTimeout time.Duration) *TransportPool {
	return &TransportPool{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         dialTimeout,
	}
}

func (tp *TransportPool) dialer() *net.Dialer {
	timeout := tp.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
}

// Build creates the underlying transport, closing idle connections of the
// previous one.
func (tp *TransportPool) Build() *http.Transport {
	t := &http.Transport{
		// Requests are forwarded directly; an HTTP_PROXY in the
		// environment could point back at this proxy.
		Proxy:                 nil,
		DialContext:           tp.dialer().DialContext,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		DisableCompression:    true,
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns a RoundTripper over the pooled transport that counts
// requests.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// DialTunnel opens a TCP connection to addr for a CONNECT tunnel.
func (tp *TransportPool) DialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := tp.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tp.stats.tunnelsDialed.Add(1)
	return conn, nil
}

// CloseIdleConnections closes idle pooled connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of outbound counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
		TunnelsDialed:  tp.stats.tunnelsDialed.Load(),
	}
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}
	return t.RoundTrip(req)
}
