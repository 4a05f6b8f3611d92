package pocketfence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotRunning is returned when an operation needs a started proxy.
	ErrNotRunning = errors.New("proxy not running")

	// ErrAlreadyRunning is returned by Start on a running proxy.
	ErrAlreadyRunning = errors.New("proxy already running")

	errForwardTimeout = errors.New("origin did not respond in time")
)

// Proxy is a filtering HTTP forward proxy. Every absolute-form request is
// scored by Engine and either forwarded to its origin or answered with the
// block page. CONNECT requests are tunneled without inspection.
//
// Requests in origin form (a plain GET /healthz sent to the proxy itself)
// are served locally: admin API, metrics and health probes.
type Proxy struct {
	// Engine scores requests. Required.
	Engine *Engine

	// Hosts are resolved and bound on Port. Defaults to 127.0.0.1 and
	// localhost.
	Hosts []string

	// Port to listen on. Zero picks a free port for the first address and
	// reuses it for the others.
	Port int

	// Logger for proxy events.
	Logger *slog.Logger

	// BlockPage renders blocked responses (optional, uses default if nil).
	BlockPage *BlockPage

	// Transport performs outbound requests and tunnel dials (optional).
	Transport *TransportPool

	// ForwardTimeout bounds the wait for origin response headers.
	// Zero means no limit beyond the client's context.
	ForwardTimeout time.Duration

	// ReadHeaderTimeout and IdleTimeout configure inbound connections.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes one entry per proxied request (optional).
	AccessLog *AccessLogger

	// RateLimiter throttles clients with 429 responses (optional).
	RateLimiter *RateLimiter

	// ClientACL rejects clients outside the allowed networks (optional).
	ClientACL *ClientACL

	// HealthChecker serves /healthz and /readyz (optional).
	HealthChecker *HealthChecker

	// Admin serves the control API under its path prefix (optional).
	Admin *AdminAPI

	// Bypass lets requests carrying a parent token skip scoring (optional).
	Bypass *Bypass

	requests atomic.Int64
	blocked  atomic.Int64
	running  atomic.Bool

	mu      sync.Mutex
	srv     *http.Server
	addrs   []net.Addr
	done    chan struct{}
	waitErr error

	tunnelMu sync.Mutex
	tunnels  map[*tunnel]struct{}
	closing  bool
}

// NewProxy creates a proxy for engine listening on the loopback hosts.
func NewProxy(engine *Engine, port int) *Proxy {
	return &Proxy{
		Engine:            engine,
		Hosts:             []string{"127.0.0.1", "localhost"},
		Port:              port,
		Logger:            slog.Default(),
		BlockPage:         NewBlockPage(),
		Transport:         NewTransportPool(10 * time.Second),
		ForwardTimeout:    30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Start binds a listener for every resolved address and serves them in the
// background. It returns once all listeners are bound; a bind failure
// closes what was opened and is returned.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return ErrAlreadyRunning
	}

	ips, err := p.resolve(ctx)
	if err != nil {
		return err
	}

	listeners, err := p.bind(ctx, ips)
	if err != nil {
		return err
	}

	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadHeaderTimeout,
		IdleTimeout:       p.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
	}

	p.addrs = p.addrs[:0]
	for _, ln := range listeners {
		p.addrs = append(p.addrs, ln.Addr())
	}

	srv := p.srv
	var g errgroup.Group
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			p.logger().Info("proxy listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				// Take the other listeners down with this one.
				_ = srv.Close()
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}

	p.tunnelMu.Lock()
	p.closing = false
	p.tunnelMu.Unlock()

	done := make(chan struct{})
	p.done = done
	p.waitErr = nil
	p.running.Store(true)
	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(true)
		p.HealthChecker.SetReady(true)
	}

	go func() {
		err := g.Wait()
		if err != nil {
			p.logger().Error("proxy stopped", "error", err)
		}
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		p.markStopped()
		close(done)
	}()

	return nil
}

// resolve returns the unique addresses of the configured hosts.
func (p *Proxy) resolve(ctx context.Context) ([]net.IP, error) {
	hosts := p.Hosts
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1", "localhost"}
	}

	seen := make(map[string]bool)
	var ips []net.IP
	add := func(ip net.IP) {
		if !seen[ip.String()] {
			seen[ip.String()] = true
			ips = append(ips, ip)
		}
	}

	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			add(ip)
			continue
		}
		resolved, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			p.logger().Warn("cannot resolve listen host", "host", host, "error", err)
			continue
		}
		for _, a := range resolved {
			add(a.IP)
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no listen address for hosts %v", hosts)
	}
	return ips, nil
}

func (p *Proxy) bind(ctx context.Context, ips []net.IP) ([]net.Listener, error) {
	var lc net.ListenConfig
	var listeners []net.Listener
	port := p.Port

	closeAll := func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}

	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			if ip.To4() == nil && ipv6Unavailable(err) {
				p.logger().Warn("skipping unavailable IPv6 address", "addr", addr, "error", err)
				continue
			}
			closeAll()
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		if port == 0 {
			port = ln.Addr().(*net.TCPAddr).Port
		}
		listeners = append(listeners, ln)
	}

	if len(listeners) == 0 {
		return nil, fmt.Errorf("no usable listen address on port %d", p.Port)
	}
	return listeners, nil
}

func ipv6Unavailable(err error) bool {
	return errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EAFNOSUPPORT)
}

// IsRunning reports whether the proxy is accepting connections.
func (p *Proxy) IsRunning() bool {
	return p.running.Load()
}

// Addrs returns the bound listener addresses.
func (p *Proxy) Addrs() []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]net.Addr(nil), p.addrs...)
}

// Wait blocks until the proxy stops and returns the error that stopped
// it, nil after a Shutdown.
func (p *Proxy) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Shutdown stops accepting connections and closes open tunnels. In-flight
// requests get until ctx is done, then their connections are closed.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv, done := p.srv, p.done
	p.mu.Unlock()

	if srv == nil || !p.running.Load() {
		return nil
	}

	p.markStopped()
	p.closeTunnels()

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if p.Transport != nil {
		p.Transport.CloseIdleConnections()
	}
	<-done
	p.logger().Info("proxy stopped")
	return err
}

func (p *Proxy) markStopped() {
	p.running.Store(false)
	if p.HealthChecker != nil {
		p.HealthChecker.SetReady(false)
		p.HealthChecker.SetAlive(false)
	}
}

// RequestCount returns the number of proxy requests received.
func (p *Proxy) RequestCount() int64 {
	return p.requests.Load()
}

// BlockedCount returns the number of requests answered with the block page.
func (p *Proxy) BlockedCount() int64 {
	return p.blocked.Load()
}

// ServeHTTP handles one inbound request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			p.logger().Error("request handler panic", "panic", rec, "method", r.Method, "url", r.URL.String())
			http.Error(w, "internal proxy error", http.StatusInternalServerError)
		}
	}()

	if r.Method != http.MethodConnect && !r.URL.IsAbs() {
		if p.ClientACL != nil && !p.ClientACL.AllowHTTP(w, r) {
			p.reject(r, "client_acl")
			return
		}
		p.serveLocal(w, r)
		return
	}

	p.requests.Add(1)

	if p.ClientACL != nil && !p.ClientACL.AllowHTTP(w, r) {
		p.reject(r, "client_acl")
		return
	}
	if p.RateLimiter != nil && !p.RateLimiter.AllowHTTP(w, r) {
		p.reject(r, "rate_limited")
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) reject(r *http.Request, reason string) {
	p.logger().Debug("request rejected", "client", r.RemoteAddr, "reason", reason)
	if p.Metrics != nil {
		p.Metrics.RecordRejected(reason)
	}
}

// serveLocal handles requests addressed to the proxy itself.
func (p *Proxy) serveLocal(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix):
		p.Admin.ServeHTTP(w, r)
	case p.Metrics != nil && r.URL.Path == "/metrics":
		p.Metrics.Handler().ServeHTTP(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	case r.URL.Path == "/":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "PocketFence proxy: %d requests, %d blocked, age level %s\n",
			p.RequestCount(), p.BlockedCount(), p.Engine.AgeLevel().Label())
	default:
		http.NotFound(w, r)
	}
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.Metrics != nil {
		p.Metrics.RecordRequest("http")
	}

	url := r.URL.String()
	bypassed := p.Bypass != nil && p.Bypass.ShouldBypass(r)

	var a Assessment
	if bypassed {
		level := p.Engine.AgeLevel()
		a = Assessment{URL: url, Host: r.Host, UserAgent: r.UserAgent(), Level: level, Threshold: level.Threshold()}
	} else {
		a = p.Engine.Assess(url, r.Host, r.UserAgent())
		if p.Metrics != nil {
			p.Metrics.RecordAssessment(a)
		}
		if p.Engine.ChildMode() {
			if s := p.Engine.AnalyzeChildSafety(url); s > a.Threshold && p.Metrics != nil {
				p.Metrics.RecordChildDetection(a.Level)
			}
		}
	}

	entry := AccessLogEntry{
		RequestID: NewRequestID(),
		Timestamp: start,
		Method:    r.Method,
		URL:       url,
		Host:      r.Host,
		Client:    r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Score:     a.Score,
		AgeLevel:  a.Level.String(),
		Blocked:   a.Blocked,
		Bypassed:  bypassed,
	}
	defer func() {
		if p.AccessLog != nil {
			entry.Duration = time.Since(start)
			p.AccessLog.Log(entry)
		}
	}()

	if a.Blocked {
		p.blocked.Add(1)
		p.logger().Info("blocked", "url", url, "score", a.Score, "signal", a.Signal, "age_level", a.Level.String())
		p.serveBlockPage(w, a)
		entry.StatusCode = http.StatusOK
		return
	}

	resp, err := p.forward(r)
	if err != nil {
		p.logger().Warn("forward request", "error", err, "url", url)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError()
		}
		http.Error(w, "Bad Gateway: "+err.Error(), http.StatusBadGateway)
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k], vv...)
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		p.logger().Debug("copy response body", "error", err, "url", url)
		entry.Error = err.Error()
	}
	entry.StatusCode = resp.StatusCode
	entry.BytesWritten = written
	if p.Metrics != nil {
		p.Metrics.RecordForward(resp.StatusCode, time.Since(start))
	}
}

// forward sends a copy of r to its origin. The outbound request is
// cancelled when the client goes away or when no response headers arrive
// within ForwardTimeout.
func (p *Proxy) forward(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(r.Context())

	out := r.Clone(ctx)
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		// Keep the transport from adding its own.
		out.Header.Set("User-Agent", "")
	}

	var timer *time.Timer
	if p.ForwardTimeout > 0 {
		timer = time.AfterFunc(p.ForwardTimeout, func() { cancel(errForwardTimeout) })
	}

	resp, err := p.roundTripper().RoundTrip(out)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, errForwardTimeout) {
			err = cause
		}
		cancel(nil)
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (p *Proxy) roundTripper() http.RoundTripper {
	return p.pool().Transport()
}

func (p *Proxy) pool() *TransportPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Transport == nil {
		p.Transport = NewTransportPool(10 * time.Second)
	}
	return p.Transport
}

func (p *Proxy) serveBlockPage(w http.ResponseWriter, a Assessment) {
	bp := p.BlockPage
	if bp == nil {
		bp = NewBlockPage()
	}

	host := a.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	data := BlockPageData{
		URL:       a.URL,
		Host:      host,
		AgeLevel:  a.Level.String(),
		AgeLabel:  a.Level.Label(),
		Score:     formatScore(a.Score),
		Threshold: formatScore(a.Threshold),
		Reason:    a.Reason(),
		Timestamp: time.Now().Format(time.RFC1123),
	}
	if err := bp.Serve(w, data); err != nil {
		p.logger().Error("render block page", "error", err)
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Hop-by-hop headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders deletes the standard hop-by-hop headers and any
// header named in Connection.
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
