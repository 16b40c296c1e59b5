// Package stream is a thin io.Reader/io.Writer-shaped façade over pkg/rsp:
// it turns one Connection's buffer-sized Read/Write calls into a
// continuous byte stream, looping writes larger than one buffer and
// carrying the rest of a sequence larger than a caller's buffer over to
// later reads.
package stream

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rspnet/rsp/pkg/rsp"
)

// Stream adapts an *rsp.Connection to io.ReadWriteCloser.
type Stream struct {
	conn *rsp.Connection
	ctx  context.Context

	readBuf []byte // leftover bytes from a sequence larger than the caller's slice
}

// Listen joins the RSP group named by cfg and returns a Stream over it.
func Listen(ctx context.Context, cfg rsp.Config, log zerolog.Logger) (*Stream, error) {
	conn, err := rsp.Listen(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Stream{conn: conn, ctx: ctx}, nil
}

// Write sends all of p, looping internally over rsp.Connection.Write calls
// since the protocol's buffer size caps any one call.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.conn.Write(s.ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			// Write returning 0 with no error would stall forever; treat as
			// a protocol invariant violation rather than spin.
			return written, rsp.ErrProtocolViolation
		}
	}
	return written, nil
}

// Read copies buffered leftover into p if there is any; otherwise it blocks
// for the next reassembled sequence. One call never takes bytes from more
// than one sequence, so it may return fewer than len(p) bytes.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.readBuf) == 0 {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			return 0, translateReadErr(err)
		}
		s.readBuf = data
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func translateReadErr(err error) error {
	if err == rsp.ErrClosed {
		return io.EOF
	}
	return err
}

// Close leaves the group and releases the underlying socket.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// Metrics exposes the underlying connection's prometheus.Collector.
func (s *Stream) Metrics() prometheus.Collector {
	return s.conn.Metrics()
}
