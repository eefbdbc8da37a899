package nis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// Transport sends one command to the daemon and returns the full response.
type Transport interface {
	Exchange(ctx context.Context, command string) (string, error)
}

// Compile-time interface checks.
var (
	_ Transport = (*StreamTransport)(nil)
	_ Transport = (*FramedTransport)(nil)
	_ Transport = (*AutoTransport)(nil)
)

const maxCommandLen = 0xFFFF

// dial opens a TCP connection whose lifetime is bound to ctx: the context
// deadline becomes the connection deadline and cancellation closes it.
func dial(ctx context.Context, address string) (net.Conn, func() bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, nil, classifyNetErr(ctx, "dial "+address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, nil, classifyNetErr(ctx, "set deadline", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, stop, nil
}

// StreamTransport writes "command\n", half-closes the write side and reads
// until the daemon closes the connection.
type StreamTransport struct {
	Address string
}

// NewStreamTransport returns a StreamTransport for address (host:port).
func NewStreamTransport(address string) *StreamTransport {
	return &StreamTransport{Address: address}
}

// Exchange implements Transport.
func (t *StreamTransport) Exchange(ctx context.Context, command string) (string, error) {
	conn, stop, err := dial(ctx, t.Address)
	if err != nil {
		return "", err
	}
	defer stop()
	defer func() { _ = conn.Close() }()

	if _, err := io.WriteString(conn, command+"\n"); err != nil {
		return "", classifyNetErr(ctx, "write command", err)
	}
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			return "", classifyNetErr(ctx, "close write", err)
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return "", classifyNetErr(ctx, "read response", err)
	}
	return string(data), nil
}

// FramedTransport speaks the length-prefixed dialect: every message is a
// 2-byte big-endian length followed by that many bytes, and the daemon ends
// a response with a zero-length frame.
type FramedTransport struct {
	Address string
}

// NewFramedTransport returns a FramedTransport for address (host:port).
func NewFramedTransport(address string) *FramedTransport {
	return &FramedTransport{Address: address}
}

// Exchange implements Transport.
func (t *FramedTransport) Exchange(ctx context.Context, command string) (string, error) {
	if len(command) > maxCommandLen {
		return "", fmt.Errorf("nis: command of %d bytes exceeds frame limit", len(command))
	}

	conn, stop, err := dial(ctx, t.Address)
	if err != nil {
		return "", err
	}
	defer stop()
	defer func() { _ = conn.Close() }()

	if err := writeFrame(conn, []byte(command)); err != nil {
		return "", classifyNetErr(ctx, "write command", err)
	}

	text, err := readFrames(conn)
	if err != nil {
		return "", classifyNetErr(ctx, "read response", err)
	}
	return text, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrames concatenates frames until a zero-length frame or a clean EOF
// at a frame boundary.
func readFrames(r io.Reader) (string, error) {
	var sb strings.Builder
	header := make([]byte, 2)
	for {
		if got, err := io.ReadFull(r, header); err != nil {
			switch {
			case errors.Is(err, io.ErrUnexpectedEOF):
				return "", &FrameError{Want: len(header), Got: got}
			case errors.Is(err, io.EOF):
				return sb.String(), nil
			}
			return "", err
		}
		n := int(binary.BigEndian.Uint16(header))
		if n == 0 {
			return sb.String(), nil
		}
		payload := make([]byte, n)
		got, err := io.ReadFull(r, payload)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", &FrameError{Want: n, Got: got}
			}
			return "", err
		}
		sb.Write(payload)
	}
}

// AutoTransport probes its candidates in order and sticks with the first
// one that returns a non-empty response.
type AutoTransport struct {
	candidates []Transport

	mu     sync.Mutex
	chosen Transport
}

// NewAutoTransport returns an AutoTransport trying candidates in order.
func NewAutoTransport(candidates ...Transport) *AutoTransport {
	return &AutoTransport{candidates: candidates}
}

// Selected returns the transport chosen by the probe, or nil if no probe has
// succeeded yet.
func (t *AutoTransport) Selected() Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chosen
}

// Exchange implements Transport.
func (t *AutoTransport) Exchange(ctx context.Context, command string) (string, error) {
	t.mu.Lock()
	chosen := t.chosen
	t.mu.Unlock()
	if chosen != nil {
		return chosen.Exchange(ctx, command)
	}

	var lastErr error
	for _, c := range t.candidates {
		resp, err := c.Exchange(ctx, command)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if strings.TrimSpace(resp) == "" {
			continue
		}
		t.mu.Lock()
		t.chosen = c
		t.mu.Unlock()
		return resp, nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", nil
}

// NewTransport builds the transport named by kind ("stream", "framed" or
// "auto") for address.
func NewTransport(kind, address string) (Transport, error) {
	switch kind {
	case "stream":
		return NewStreamTransport(address), nil
	case "framed":
		return NewFramedTransport(address), nil
	case "auto", "":
		return NewAutoTransport(NewStreamTransport(address), NewFramedTransport(address)), nil
	default:
		return nil, fmt.Errorf("nis: unknown transport %q", kind)
	}
}
