// Package transport moves opaque datagrams between the controller and the
// simulator. Sends go through one long-lived socket; every receive binds a
// fresh socket to the fixed local address and closes it before returning.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

const (
	DefaultMaxDatagram = 512
	maxUDPPayload      = 65507
)

// ErrTimeout is returned by Receive when no datagram arrived in time.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrTruncated is returned by Receive when a datagram exceeds the maximum size.
var ErrTruncated = errors.New("transport: datagram exceeds max size")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Error is a socket failure that is not a timeout (bind conflict, unreachable
// address, oversized payload, ...).
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type EventKind int

const (
	EventSenderOpen EventKind = iota
	EventSenderClose
	EventReceiverBind
	EventReceiverClose
)

func (k EventKind) String() string {
	switch k {
	case EventSenderOpen:
		return "sender-open"
	case EventSenderClose:
		return "sender-close"
	case EventReceiverBind:
		return "receiver-bind"
	case EventReceiverClose:
		return "receiver-close"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event reports a socket lifecycle change.
type Event struct {
	Kind EventKind
	Addr string
}

// UDP is not safe for concurrent use.
type UDP struct {
	local       *net.UDPAddr
	remote      *net.UDPAddr
	sender      net.PacketConn
	maxDatagram int
	onEvent     func(Event)
	listen      net.ListenConfig
}

type Option func(*UDP)

func WithMaxDatagram(n int) Option {
	return func(u *UDP) {
		if n > 0 && n <= maxUDPPayload {
			u.maxDatagram = n
		}
	}
}

func WithEventHandler(fn func(Event)) Option {
	return func(u *UDP) {
		if fn != nil {
			u.onEvent = fn
		}
	}
}

// New resolves both addresses and opens the send socket.
func New(localAddr, remoteAddr string, opts ...Option) (*UDP, error) {
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, &Error{Op: "resolve", Addr: localAddr, Err: err}
	}
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, &Error{Op: "resolve", Addr: remoteAddr, Err: err}
	}

	u := &UDP{
		local:       local,
		remote:      remote,
		maxDatagram: DefaultMaxDatagram,
		listen:      net.ListenConfig{Control: reuseAddrControl},
	}
	for _, opt := range opts {
		opt(u)
	}

	sender, err := u.listen.ListenPacket(context.Background(), "udp", ":0")
	if err != nil {
		return nil, &Error{Op: "open", Addr: ":0", Err: err}
	}
	u.sender = sender
	u.emit(Event{Kind: EventSenderOpen, Addr: sender.LocalAddr().String()})
	return u, nil
}

func (u *UDP) LocalAddr() string  { return u.local.String() }
func (u *UDP) RemoteAddr() string { return u.remote.String() }
func (u *UDP) MaxDatagram() int   { return u.maxDatagram }

// Send writes one datagram to the remote address through the persistent socket.
func (u *UDP) Send(payload []byte) (int, error) {
	if u.sender == nil {
		return 0, ErrClosed
	}
	if len(payload) > u.maxDatagram {
		return 0, &Error{Op: "send", Addr: u.remote.String(),
			Err: fmt.Errorf("payload %d bytes exceeds %d", len(payload), u.maxDatagram)}
	}
	n, err := u.sender.WriteTo(payload, u.remote)
	if err != nil {
		return n, &Error{Op: "send", Addr: u.remote.String(), Err: err}
	}
	return n, nil
}

// Receive binds the local address, waits at most timeout for one datagram and
// closes the socket on every path. A non-positive timeout waits forever.
func (u *UDP) Receive(timeout time.Duration) (data []byte, err error) {
	addr := u.local.String()
	conn, err := u.listen.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, &Error{Op: "bind", Addr: addr, Err: err}
	}
	u.emit(Event{Kind: EventReceiverBind, Addr: addr})
	defer func() {
		cerr := conn.Close()
		u.emit(Event{Kind: EventReceiverClose, Addr: addr})
		if cerr != nil && err == nil {
			data, err = nil, &Error{Op: "close", Addr: addr, Err: cerr}
		}
	}()

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, &Error{Op: "deadline", Addr: addr, Err: err}
		}
	}

	// One spare byte tells an oversized datagram apart from one of exactly
	// maxDatagram bytes.
	buf := make([]byte, u.maxDatagram+1)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, &Error{Op: "read", Addr: addr, Err: err}
	}
	if n > u.maxDatagram {
		return nil, &Error{Op: "read", Addr: addr,
			Err: fmt.Errorf("%w: more than %d bytes", ErrTruncated, u.maxDatagram)}
	}
	return buf[:n], nil
}

// IsResponsive reports whether the simulator delivered any datagram within timeout.
func (u *UDP) IsResponsive(timeout time.Duration) bool {
	_, err := u.Receive(timeout)
	return err == nil
}

func (u *UDP) Close() error {
	if u.sender == nil {
		return nil
	}
	addr := u.sender.LocalAddr().String()
	err := u.sender.Close()
	u.sender = nil
	u.emit(Event{Kind: EventSenderClose, Addr: addr})
	return err
}

func (u *UDP) emit(ev Event) {
	if u.onEvent != nil {
		u.onEvent(ev)
	}
}

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = setReuseAddr(fd)
	}); err != nil {
		return err
	}
	return serr
}
