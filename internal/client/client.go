// Package client runs a local TCP forwarder that carries each accepted
// connection through a metertun server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/metertun/metertun/internal/protocol"
)

type Forwarder struct {
	logger     *slog.Logger
	serverURL  string
	account    uuid.UUID
	targetHost string
	targetPort uint16
	listen     string
	dialer     *websocket.Dialer
}

func NewForwarder(logger *slog.Logger, opts *clientOptions) (*Forwarder, error) {
	account, err := uuid.Parse(opts.account)
	if err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", opts.account, err)
	}
	host, portStr, err := net.SplitHostPort(opts.target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", opts.target, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port == 0 {
		return nil, fmt.Errorf("invalid target port %q", portStr)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if opts.socksProxy != "" {
		socks, err := proxy.SOCKS5("tcp", opts.socksProxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks proxy %q: %w", opts.socksProxy, err)
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socks.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	}

	return &Forwarder{
		logger:     logger,
		serverURL:  opts.server,
		account:    account,
		targetHost: host,
		targetPort: port,
		listen:     opts.listen,
		dialer:     dialer,
	}, nil
}

// Run accepts local connections until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.listen, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	f.logger.Info("forwarding", "listen", f.listen, "server", f.serverURL,
		"target", net.JoinHostPort(f.targetHost, fmt.Sprint(f.targetPort)))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go f.forward(ctx, conn)
	}
}

func (f *Forwarder) forward(ctx context.Context, local net.Conn) {
	defer local.Close()

	ws, _, err := f.dialer.DialContext(ctx, f.serverURL, nil)
	if err != nil {
		f.logger.Warn("server dial failed", "error", err)
		return
	}
	defer ws.Close()

	header, err := protocol.Encode(f.account, protocol.CommandTCP, f.targetHost, f.targetPort)
	if err != nil {
		f.logger.Error("encode header", "error", err)
		return
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, header); err != nil {
		f.logger.Warn("send header", "error", err)
		return
	}

	stream := &wsPipe{conn: ws}

	// The server acknowledges with two bytes before any payload.
	ack := make([]byte, 2)
	if _, err := io.ReadFull(stream, ack); err != nil {
		f.logger.Warn("session rejected", "error", closeDetail(err))
		return
	}
	if ack[0] != protocol.Version {
		f.logger.Warn("unexpected acknowledgement", "version", ack[0])
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(local, stream)
		_ = local.Close()
	}()
	_, err = io.Copy(stream, local)
	_ = ws.Close()
	<-done

	if err != nil && !errors.Is(err, net.ErrClosed) {
		f.logger.Debug("forward ended", "error", err)
	}
}

// closeDetail surfaces the server's close code and reason when present.
func closeDetail(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("server closed session: %d %s", closeErr.Code, closeErr.Text)
	}
	return err
}

// wsPipe exposes the websocket as an io.ReadWriter for io.Copy.
type wsPipe struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (w *wsPipe) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsPipe) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
