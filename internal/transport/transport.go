// Package transport defines the byte-stream contracts the core drives an
// ExchangeSession over (spec §4.3/§6), plus the one concrete adapter the
// core owns outright: a TCP-based LAN transport. BLE and Wi-Fi Direct are
// external driver concerns — this package only specifies the interface
// boundary they must present.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rangzen-mesh/core/internal/peer"
)

// MaxFrameSize bounds a single non-BLE frame payload (spec §4.2): 1 MiB.
const MaxFrameSize = 1 << 20

// BLEPeripheral is the contract an external BLE GATT driver exposes so
// this core can drive a responder ExchangeSession over it. The driver
// owns the GATT service/characteristic lifecycle; this core only ever
// sees a byte stream per inbound central connection.
//
// The driver MUST serialize writes to the request/response
// characteristic: at most one concurrent writer, and it must never
// interleave responses from two connections on the same characteristic
// (spec §5 "BLE server characteristic: at most one concurrent writer").
type BLEPeripheral interface {
	// Accept blocks until a central connects and completes the transport
	// handshake, returning a stream scoped to that one connection.
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
}

// BLECentral is the contract an external BLE GATT client driver exposes
// so this core can drive an initiator ExchangeSession against a
// discovered peripheral address.
type BLECentral interface {
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// WifiDirectTransport is the contract an external Wi-Fi Direct driver
// exposes; functionally a dialer/listener pair over a group-owner socket
// the driver has already established.
type WifiDirectTransport interface {
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
}

// LANTransport is the one concrete transport adapter owned by the core:
// a plain TCP listener/dialer pair. It implements scheduler.Dialer (the
// method signature matches by structure; scheduler has no import on this
// package to avoid a cycle).
type LANTransport struct {
	listenAddr string
	log        *zap.Logger
	onAccept   func(net.Conn)

	lis net.Listener
}

// NewLANTransport constructs a LANTransport. onAccept is invoked for
// every inbound connection (typically wiring it to an inbound
// ExchangeSession in the responder role); each call runs in its own
// goroutine, so a slow callback does not hold up the accept loop.
func NewLANTransport(listenAddr string, onAccept func(net.Conn), log *zap.Logger) *LANTransport {
	return &LANTransport{listenAddr: listenAddr, onAccept: onAccept, log: log}
}

// listenConfig sets SO_REUSEADDR on the listening socket via a raw-conn
// Control callback; TCP keepalive is enabled per connection by
// tuneKeepalive, not here (grounded on the teacher's
// x/sys/unix syscall idiom, carried from syscall-level tuning to socket
// option tuning).
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// ListenAndServe binds the LAN listener and runs the accept loop until
// ctx is cancelled (grounded on teacher's gossip.ListenAndServe /
// operator.Server.ListenAndServe shape).
func (t *LANTransport) ListenAndServe(ctx context.Context) error {
	lis, err := listenConfig().Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: lan listen %s: %w", t.listenAddr, err)
	}
	t.lis = lis

	if t.log != nil {
		t.log.Info("lan transport listening", zap.String("addr", t.listenAddr))
	}

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if t.log != nil {
					t.log.Warn("lan transport accept error", zap.Error(err))
				}
				continue
			}
		}
		tuneKeepalive(conn, t.log)
		go t.onAccept(conn)
	}
}

// tuneKeepalive enables TCP keepalive on an accepted connection so dead
// peers are detected without waiting on the application-level session
// timeout.
func tuneKeepalive(conn net.Conn, log *zap.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetKeepAlive(true); err != nil && log != nil {
		log.Warn("transport: set keepalive failed", zap.Error(err))
	}
	if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil && log != nil {
		log.Warn("transport: set keepalive period failed", zap.Error(err))
	}
}

// Dial implements scheduler.Dialer for peer.TransportLAN. Other
// transport kinds are rejected; the scheduler is expected to route those
// to a BLECentral/WifiDirectTransport adapter instead.
func (t *LANTransport) Dial(ctx context.Context, tr peer.Transport, info peer.TransportInfo) (io.ReadWriteCloser, error) {
	if tr != peer.TransportLAN {
		return nil, fmt.Errorf("transport: lan dialer cannot dial %s", tr)
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", info.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: lan dial %s: %w", info.Address, err)
	}
	tuneKeepalive(conn, t.log)
	return conn, nil
}

// Close stops accepting new connections. Safe to call even if
// ListenAndServe was never started.
func (t *LANTransport) Close() error {
	if t.lis == nil {
		return nil
	}
	return t.lis.Close()
}
