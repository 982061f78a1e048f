// Package transport provides the RPC channel factory collaborator from
// spec.md §6.1: given a host.Host and a timeout, open a binary-framed
// channel or fail with a TransportError.
//
// The real wire codec is explicitly out of scope for this module (spec.md
// §1: "the wire codec for the underlying RPC (assumed provided)"). What
// follows is a minimal, concrete stand-in — four bytes of big-endian length
// prefix, a payload, a single in-flight request per connection — good
// enough to dial, to time out, to fail, and to be classified, which is all
// pool.Connection and the failover executor need from it. Framing style
// (dial-with-deadline, a deadline reset after each round trip) is grounded
// on the teacher's nntp.Client.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"clusterpool/pkg/host"
	"clusterpool/pkg/rpcerrors"
)

// ErrBusy is the sentinel payload response reserved for simulating an
// "insufficient replicas" server-side condition in tests and the demo.
var ErrBusy = errors.New("transport: server busy (simulated unavailable)")

// Channel is one open, framed, bidirectional byte-stream to a Host.
type Channel interface {
	// Call sends op and returns the server's reply, or an error.
	Call(ctx context.Context, op []byte) ([]byte, error)
	// Close tears the channel down. Idempotent.
	Close() error
}

// ChannelFactory dials a fresh Channel to a Host.
type ChannelFactory interface {
	Dial(ctx context.Context, h host.Host) (Channel, error)
}

// TCPFactory dials plain (non-TLS) TCP framed channels. It is the
// reference ChannelFactory used by cmd/clusterdemo.
type TCPFactory struct {
	// DialTimeout bounds connection establishment. Falls back to the
	// Host's own SocketTimeout if zero.
	DialTimeout time.Duration
}

// Dial opens a TCP connection to h and wraps it as a framed Channel.
func (f TCPFactory) Dial(ctx context.Context, h host.Host) (Channel, error) {
	timeout := f.DialTimeout
	if timeout == 0 {
		timeout = h.SocketTimeout()
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.String())
	if err != nil {
		return nil, &rpcerrors.TransportError{Host: h.String(), Err: err}
	}
	return &tcpChannel{conn: conn, r: bufio.NewReader(conn), host: h.String(), timeout: h.SocketTimeout()}, nil
}

type tcpChannel struct {
	conn    net.Conn
	r       *bufio.Reader
	host    string
	timeout time.Duration
}

const maxFrameLen = 16 << 20 // 16MiB, generous upper bound against corrupt lengths

func (c *tcpChannel) Call(ctx context.Context, op []byte) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, &rpcerrors.TransportError{Host: c.host, Err: err}
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := writeFrame(c.conn, op); err != nil {
		return nil, classifyIOErr(c.host, err)
	}
	reply, err := readFrame(c.r)
	if err != nil {
		return nil, classifyIOErr(c.host, err)
	}
	return reply, nil
}

func (c *tcpChannel) Close() error { return c.conn.Close() }

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("transport: frame length %d exceeds max %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func classifyIOErr(hostStr string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &rpcerrors.TimeoutError{Host: hostStr, Err: err}
	}
	return &rpcerrors.TransportError{Host: hostStr, Err: err}
}

// DefaultClassifier is the reference rpcerrors.Classifier wired to this
// package's error types and to ErrBusy.
var DefaultClassifier = rpcerrors.ClassifierFunc(func(err error) rpcerrors.Kind {
	switch {
	case errors.Is(err, ErrBusy):
		return rpcerrors.KindUnavailable
	case errors.As(err, new(*rpcerrors.TimeoutError)):
		return rpcerrors.KindTimeout
	case errors.As(err, new(*rpcerrors.UnavailableError)):
		return rpcerrors.KindUnavailable
	case errors.As(err, new(*rpcerrors.TransportError)):
		return rpcerrors.KindTransport
	default:
		return rpcerrors.KindApplication
	}
})
