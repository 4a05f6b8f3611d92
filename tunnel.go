package pocketfence

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// tunnel is an open CONNECT relay.
type tunnel struct {
	client   net.Conn
	upstream net.Conn
	once     sync.Once
}

func (t *tunnel) close() {
	t.once.Do(func() {
		_ = t.client.Close()
		_ = t.upstream.Close()
	})
}

// handleConnect dials the requested authority and relays bytes in both
// directions. The stream is not decrypted or scored.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.Metrics != nil {
		p.Metrics.RecordRequest("connect")
	}

	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	entry := AccessLogEntry{
		RequestID: NewRequestID(),
		Timestamp: start,
		Method:    r.Method,
		URL:       target,
		Host:      target,
		Client:    r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Tunnel:    true,
	}
	defer func() {
		if p.AccessLog != nil {
			entry.Duration = time.Since(start)
			p.AccessLog.Log(entry)
		}
	}()

	upstream, err := p.pool().DialTunnel(r.Context(), target)
	if err != nil {
		p.logger().Warn("tunnel dial", "target", target, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError()
		}
		http.Error(w, "Bad Gateway: "+err.Error(), http.StatusBadGateway)
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		entry.StatusCode = http.StatusInternalServerError
		return
	}

	client, rw, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		p.logger().Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		entry.StatusCode = http.StatusServiceUnavailable
		return
	}
	entry.StatusCode = http.StatusOK

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		p.logger().Debug("write connect response", "error", err)
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	// Bytes the client sent after the CONNECT head are already buffered.
	if n := rw.Reader.Buffered(); n > 0 {
		buffered, _ := rw.Reader.Peek(n)
		if _, err := upstream.Write(buffered); err != nil {
			_ = client.Close()
			_ = upstream.Close()
			return
		}
	}

	t := &tunnel{client: client, upstream: upstream}
	if !p.trackTunnel(t) {
		t.close()
		return
	}
	defer p.untrackTunnel(t)

	if p.Metrics != nil {
		p.Metrics.IncTunnels()
		defer p.Metrics.DecTunnels()
	}
	p.logger().Debug("tunnel open", "target", target, "client", r.RemoteAddr)

	entry.BytesWritten = relay(t)
}

// relay copies in both directions until both sides finish and returns the
// bytes sent to the client.
func relay(t *tunnel) int64 {
	var wg sync.WaitGroup
	var toClient int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(t.upstream, t.client)
		closeWrite(t.upstream)
	}()
	go func() {
		defer wg.Done()
		toClient, _ = io.Copy(t.client, t.upstream)
		closeWrite(t.client)
	}()
	wg.Wait()

	t.close()
	return toClient
}

func closeWrite(c net.Conn) {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = c.Close()
}

func (p *Proxy) trackTunnel(t *tunnel) bool {
	p.tunnelMu.Lock()
	defer p.tunnelMu.Unlock()
	if p.closing {
		return false
	}
	if p.tunnels == nil {
		p.tunnels = make(map[*tunnel]struct{})
	}
	p.tunnels[t] = struct{}{}
	return true
}

func (p *Proxy) untrackTunnel(t *tunnel) {
	p.tunnelMu.Lock()
	delete(p.tunnels, t)
	p.tunnelMu.Unlock()
}

func (p *Proxy) closeTunnels() {
	p.tunnelMu.Lock()
	defer p.tunnelMu.Unlock()
	p.closing = true
	for t := range p.tunnels {
		t.close()
	}
}

// OpenTunnels returns the number of active CONNECT tunnels.
func (p *Proxy) OpenTunnels() int {
	p.tunnelMu.Lock()
	defer p.tunnelMu.Unlock()
	return len(p.tunnels)
}
