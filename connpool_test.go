package pocketfence

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestTransportPool_Defaults(t *testing.T) {
	tp := NewTransportPool(5 * time.Second)
	tr := tp.Build()

	if tr.Proxy != nil {
		t.Error("outbound transport must not use an environment proxy")
	}
	if !tr.DisableCompression {
		t.Error("compression should be left to the client")
	}
	if tr.MaxIdleConnsPerHost != 4 || tr.MaxIdleConns != 100 {
		t.Errorf("idle limits = %d/%d", tr.MaxIdleConns, tr.MaxIdleConnsPerHost)
	}
}

func TestTransportPool_RoundTripStats(t *testing.T) {
	origin := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	tp := NewTransportPool(time.Second)
	client := &http.Client{Transport: tp.Transport()}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(origin.URL)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	s := tp.Stats()
	if s.TotalRequests != 3 || s.ActiveRequests != 0 {
		t.Errorf("stats = %+v, want 3 total 0 active", s)
	}
	tp.CloseIdleConnections()
}

func TestTransportPool_DialTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	tp := NewTransportPool(time.Second)
	conn, err := tp.DialTunnel(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTunnel: %v", err)
	}
	_ = conn.Close()

	if got := tp.Stats().TunnelsDialed; got != 1 {
		t.Errorf("TunnelsDialed = %d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tp.DialTunnel(ctx, ln.Addr().String()); err == nil {
		t.Error("dial with cancelled context succeeded")
	}
	if got := tp.Stats().TunnelsDialed; got != 1 {
		t.Errorf("failed dial counted: %d", got)
	}
}

func TestTransportPool_Rebuild(t *testing.T) {
	tp := NewTransportPool(time.Second)
	first := tp.Build()
	second := tp.Build()
	if first == second {
		t.Error("Build should create a new transport")
	}
}
