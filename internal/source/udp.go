package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address string // host:port to bind
	RcvBuf  int    // socket receive buffer in bytes, 0 keeps the OS default
}

// UDPListener receives one JSON frame per datagram.
type UDPListener struct {
	address string
	rcvBuf  int

	conn      atomic.Pointer[net.UDPConn]
	packets   atomic.Uint64
	malformed atomic.Uint64
}

// NewUDPListener creates a listener; nothing is bound until Start.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	return &UDPListener{address: cfg.Address, rcvBuf: cfg.RcvBuf}
}

// LocalAddr returns the bound address once Start is running, or nil.
func (l *UDPListener) LocalAddr() net.Addr {
	if c := l.conn.Load(); c != nil {
		return c.LocalAddr()
	}
	return nil
}

// Start binds the socket and forwards decoded frames to out until ctx is
// cancelled. Undecodable datagrams are logged and dropped.
func (l *UDPListener) Start(ctx context.Context, out chan<- Frame) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	l.conn.Store(conn)

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			logf("warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	logf("UDP listener started on %s", conn.LocalAddr())

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			logf("UDP listener stopping after %d packets (%d malformed)", l.packets.Load(), l.malformed.Load())
			return ctx.Err()
		default:
		}

		// Short deadline so cancellation is noticed on a quiet socket.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logf("UDP read error: %v", err)
			continue
		}
		l.packets.Add(1)

		frame, err := DecodeFrame(buffer[:n])
		if err != nil {
			l.malformed.Add(1)
			logf("dropping datagram from %v: %v", from, err)
			continue
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
