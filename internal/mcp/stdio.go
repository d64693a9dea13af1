package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// maxFrameSize bounds one newline-delimited frame on the line transport.
const maxFrameSize = 4 * 1024 * 1024

// StdioTransport serves a single session over newline-delimited JSON
// frames on a reader/writer pair, normally stdin and stdout.
//
// Logs must go elsewhere (stderr); stdout carries only frames.
type StdioTransport struct {
	engine   *Engine
	sessions *SessionStore
	logger   *zap.Logger

	reader io.Reader
	writer io.Writer

	writeMu sync.Mutex
}

// NewStdioTransport creates a line transport over r and w.
func NewStdioTransport(engine *Engine, sessions *SessionStore, r io.Reader, w io.Writer, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		engine:   engine,
		sessions: sessions,
		logger:   logger,
		reader:   r,
		writer:   w,
	}
}

// Run reads frames until end-of-stream or context cancellation.
//
// An oversize line yields a parse error and is skipped; the transport
// keeps serving subsequent frames. End-of-stream returns nil.
func (t *StdioTransport) Run(ctx context.Context) error {
	sess := t.sessions.Create(TransportKindStdio)
	defer t.sessions.Remove(sess.ID)

	t.logger.Info("line transport started", zap.String("session_id", sess.ID))

	reader := bufio.NewReaderSize(t.reader, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, tooLong, err := readLine(reader, maxFrameSize)
		if tooLong {
			t.logger.Warn("dropping oversize frame", zap.Int("limit", maxFrameSize))
			if werr := t.writeFrame(ParseErrorFrame()); werr != nil {
				return fmt.Errorf("writing parse error: %w", werr)
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.logger.Info("input closed, line transport stopping")
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		resp := t.engine.Handle(ctx, sess, line)
		if resp == nil {
			continue
		}
		if err := t.writeFrame(resp); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
}

// writeFrame emits one frame terminated by a newline.
func (t *StdioTransport) writeFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(frame); err != nil {
		return err
	}
	_, err := t.writer.Write([]byte{'\n'})
	return err
}

// readLine reads one newline-terminated line up to limit bytes.
//
// When the line exceeds the limit, the remainder is discarded up to the
// next newline and tooLong is reported; the reader stays usable for the
// following line. A final unterminated line at EOF is returned with
// io.EOF surfaced on the next call.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if len(buf) > limit {
			// Drain the rest of the oversize line.
			discardErr := err
			for errors.Is(discardErr, bufio.ErrBufferFull) {
				_, discardErr = r.ReadSlice('\n')
			}
			return nil, true, nil
		}

		switch {
		case err == nil:
			return bytes.TrimSuffix(buf, []byte{'\n'}), false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) > 0 {
				return buf, false, nil
			}
			return nil, false, io.EOF
		default:
			return nil, false, err
		}
	}
}
