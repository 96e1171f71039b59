// Package streamcodec frames both bidirectional stream transports
// (named-socket and overlay): every message is
// [length:4 big-endian][body], length bounded to 64 MiB.
package streamcodec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize is the largest frame body this codec will read (64 MiB).
const MaxMessageSize = 64 * 1024 * 1024

const headerLen = 4

// Conn wraps a net.Conn (or anything implementing ReadWriteCloser, for the
// overlay's per-stream objects) with length-prefixed framing.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
}

// New wraps rwc. Reads are buffered; writes go straight through.
func New(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, br: bufio.NewReaderSize(rwc, 64*1024)}
}

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.rwc.Close() }

// ErrClosed is returned by ReadFrame when the peer closed the stream
// cleanly at a frame boundary (EOF exactly where a length prefix was
// expected).
var ErrClosed = fmt.Errorf("streamcodec: connection closed")

// WriteFrame writes body prefixed with its big-endian length.
func (c *Conn) WriteFrame(body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("streamcodec: frame of %d bytes exceeds max %d", len(body), MaxMessageSize)
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.rwc.Write(hdr[:]); err != nil {
		return fmt.Errorf("streamcodec: write header: %w", err)
	}
	if _, err := c.rwc.Write(body); err != nil {
		return fmt.Errorf("streamcodec: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. An EOF exactly at the start of
// a new frame's length prefix returns ErrClosed; any other error (including
// a partial header) is returned as-is.
func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("streamcodec: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("streamcodec: frame of %d bytes exceeds max %d", length, MaxMessageSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.br, body); err != nil {
		return nil, fmt.Errorf("streamcodec: read body: %w", err)
	}
	return body, nil
}
