package tunnel

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/metertun/metertun/internal/protocol"
	"github.com/metertun/metertun/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, accounts ...store.Account) (*Server, *store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemoryStore(accounts...)
	opts := &serveOptions{
		listen:        ":0",
		tunnelPath:    "/tunnel",
		maxFrame:      32 * 1024,
		headerTimeout: 2 * time.Second,
		dialTimeout:   2 * time.Second,
		flushInterval: 50 * time.Millisecond,
		sessionIDMode: "uuid",
	}
	srv, err := newServer(discardLogger(), opts, st, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return srv, st, "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel"
}

// startEcho runs a TCP echo listener and reports whether it ever accepted.
func startEcho(t *testing.T) (string, uint16, chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan struct{}, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	return "127.0.0.1", port, accepted
}

func dialTunnel(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendHeader(t *testing.T, conn *websocket.Conn, account uuid.UUID, command byte, host string, port uint16, payload []byte) {
	t.Helper()
	header, err := protocol.Encode(account, command, host, port)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, append(header, payload...)); err != nil {
		t.Fatalf("send header: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int, wantText string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != wantCode || closeErr.Text != wantText {
			t.Fatalf("close = %d %q, want %d %q", closeErr.Code, closeErr.Text, wantCode, wantText)
		}
		return
	}
}

func activeAccount(limitBytes int64, used int64, ipLimit int) store.Account {
	return store.Account{
		ID:           uuid.New(),
		ExpiresAt:    time.Now().Add(time.Hour),
		TrafficLimit: limitBytes,
		TrafficUsed:  used,
		IPLimit:      ipLimit,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionRelaysAndMeters(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	_, st, url := newTestServer(t, acct)
	host, port, accepted := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, host, port, []byte("hello"))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if len(ack) != 2 || ack[0] != protocol.Version || ack[1] != 0 {
		t.Fatalf("ack = %v", ack)
	}

	var echoed []byte
	for len(echoed) < 5 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
		echoed = append(echoed, data...)
	}
	if string(echoed) != "hello" {
		t.Fatalf("echo = %q", echoed)
	}

	select {
	case <-accepted:
	default:
		t.Fatal("upstream was never dialed")
	}

	// Payload travelled both directions, so ten bytes must end up persisted.
	_ = conn.Close()
	waitFor(t, "usage flush", func() bool {
		snapshot, err := st.GetAccount(context.Background(), acct.ID)
		return err == nil && snapshot.TrafficUsed == 10
	})

	// The source address sighting is on record.
	seen, err := st.HasIP(context.Background(), acct.ID, "127.0.0.1")
	if err != nil || !seen {
		t.Fatalf("source ip not recorded: %v %v", seen, err)
	}
}

func TestSessionHeaderAcrossMessages(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	_, _, url := newTestServer(t, acct)
	host, port, _ := startEcho(t)

	header, err := protocol.Encode(acct.ID, protocol.CommandTCP, host, port)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	conn := dialTunnel(t, url)
	// First fragment is shorter than the minimum header: the session must
	// keep waiting rather than reject.
	if err := conn.WriteMessage(websocket.BinaryMessage, header[:10]); err != nil {
		t.Fatalf("send fragment: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("got a response before the header completed")
	} else if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("session closed early: %v", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, header[10:]); err != nil {
		t.Fatalf("send remainder: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if len(ack) != 2 || ack[0] != protocol.Version {
		t.Fatalf("ack = %v", ack)
	}
}

func TestSessionRejectsExpiredAccount(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	acct.ExpiresAt = time.Now().Add(-time.Minute)
	_, st, url := newTestServer(t, acct)
	host, port, accepted := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, host, port, []byte("data"))
	expectClose(t, conn, websocket.ClosePolicyViolation, "account expired")

	select {
	case <-accepted:
		t.Fatal("upstream dialed for an expired account")
	case <-time.After(200 * time.Millisecond):
	}
	snapshot, _ := st.GetAccount(context.Background(), acct.ID)
	if snapshot.TrafficUsed != 0 {
		t.Fatalf("usage recorded for rejected session: %d", snapshot.TrafficUsed)
	}
}

func TestSessionRejectsUnknownAccount(t *testing.T) {
	_, _, url := newTestServer(t)
	host, port, _ := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, uuid.New(), protocol.CommandTCP, host, port, nil)
	expectClose(t, conn, websocket.ClosePolicyViolation, "unknown account")
}

func TestSessionRejectsTrafficExceeded(t *testing.T) {
	acct := activeAccount(1000, 1000, store.Unlimited)
	_, _, url := newTestServer(t, acct)
	host, port, _ := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, host, port, nil)
	expectClose(t, conn, websocket.ClosePolicyViolation, "traffic quota exceeded")
}

func TestSessionRejectsIPLimit(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, 1)
	_, st, url := newTestServer(t, acct)
	// another source address already holds the only slot
	if err := st.UpsertIP(context.Background(), acct.ID, "10.9.9.9", time.Now()); err != nil {
		t.Fatalf("preload ip: %v", err)
	}
	host, port, _ := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, host, port, nil)
	expectClose(t, conn, websocket.ClosePolicyViolation, "ip limit exceeded")
}

func TestSessionUpstreamUnreachable(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	_, _, url := newTestServer(t, acct)

	// grab a free port and close it again
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, "127.0.0.1", port, nil)
	expectClose(t, conn, websocket.CloseInternalServerErr, "upstream unreachable")
}

func TestSessionAcceptsShortDomainHeader(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	_, _, url := newTestServer(t, acct)

	// "ab:443" encodes to a 25-byte header, below the IPv4 wire size. The
	// session must decode it and move on to the dial instead of waiting for
	// more header bytes; the name does not resolve, so the dial failure is
	// the proof the header went through.
	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, "ab", 443, nil)
	expectClose(t, conn, websocket.CloseInternalServerErr, "upstream unreachable")
}

func TestSessionRejectsTextFrameHeader(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	_, _, url := newTestServer(t, acct)
	host, port, _ := startEcho(t)

	header, err := protocol.Encode(acct.ID, protocol.CommandTCP, host, port)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn := dialTunnel(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, header); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectClose(t, conn, websocket.CloseInternalServerErr, "protocol error")
}

func TestSessionRejectsMalformedHeader(t *testing.T) {
	_, _, url := newTestServer(t)

	conn := dialTunnel(t, url)
	bad := make([]byte, 64)
	bad[0] = 9 // unsupported version
	if err := conn.WriteMessage(websocket.BinaryMessage, bad); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectClose(t, conn, websocket.CloseInternalServerErr, "protocol error")
}

func TestSessionRejectsUDPCommand(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	_, _, url := newTestServer(t, acct)
	host, port, _ := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandUDP, host, port, nil)
	expectClose(t, conn, websocket.CloseInternalServerErr, "protocol error")
}

func TestStatusEndpointListsSessions(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	srv, _, url := newTestServer(t, acct)
	host, port, _ := startEcho(t)

	conn := dialTunnel(t, url)
	sendHeader(t, conn, acct.ID, protocol.CommandTCP, host, port, nil)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	waitFor(t, "session in status", func() bool {
		status := srv.collectStatus()
		if status.ActiveSessions != 1 {
			return false
		}
		entry := status.Sessions[0]
		return entry.Account == acct.ID.String() && entry.State == StateRelaying.String()
	})
}

func TestConnectionLimitRejectsOverflow(t *testing.T) {
	acct := activeAccount(store.Unlimited, 0, store.Unlimited)
	st := store.NewMemoryStore(acct)
	opts := &serveOptions{
		listen:        ":0",
		tunnelPath:    "/tunnel",
		maxFrame:      32 * 1024,
		maxConns:      1,
		headerTimeout: 2 * time.Second,
		dialTimeout:   2 * time.Second,
		flushInterval: 50 * time.Millisecond,
		sessionIDMode: "uuid",
	}
	srv, err := newServer(discardLogger(), opts, st, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel"

	first := dialTunnel(t, url)
	host, port, _ := startEcho(t)
	sendHeader(t, first, acct.ID, protocol.CommandTCP, host, port, nil)
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first session ack: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second connection admitted past the limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}
