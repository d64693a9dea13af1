package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// runStdio feeds input through the line transport and returns the
// emitted frames.
func runStdio(t *testing.T, input string) [][]byte {
	t.Helper()
	engine, sessions := newTestEngine(t, nil)

	var out bytes.Buffer
	transport := NewStdioTransport(engine, sessions, strings.NewReader(input), &out, zap.NewNop())
	require.NoError(t, transport.Run(context.Background()))

	var frames [][]byte
	for _, line := range bytes.Split(out.Bytes(), []byte{'\n'}) {
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
	return frames
}

func TestStdioInitializeRoundTrip(t *testing.T) {
	frames := runStdio(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t","version":"0"},"capabilities":{}}}`+"\n"+
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n")

	// The notification produces no frame.
	require.Len(t, frames, 2)

	var initResp map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &initResp))
	assert.Equal(t, float64(1), initResp["id"])
	result := initResp["result"].(map[string]interface{})
	assert.Equal(t, "2025-03-26", result["protocolVersion"])

	var listResp map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[1], &listResp))
	assert.Equal(t, float64(2), listResp["id"])
}

func TestStdioBlankLinesSkipped(t *testing.T) {
	frames := runStdio(t, "\n\n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n\n")
	require.Len(t, frames, 1)
}

func TestStdioEOFWithoutTrailingNewline(t *testing.T) {
	frames := runStdio(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Len(t, frames, 1)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &resp))
	assert.Equal(t, float64(1), resp["id"])
}

func TestStdioOversizeFrameSkipped(t *testing.T) {
	big := strings.Repeat("a", maxFrameSize+1)
	frames := runStdio(t, big+"\n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

	require.Len(t, frames, 2)

	var parseErr map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &parseErr))
	errObj := parseErr["error"].(map[string]interface{})
	assert.Equal(t, float64(ParseError), errObj["code"])

	// The transport keeps serving after the oversize line.
	var pong map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[1], &pong))
	assert.Equal(t, float64(1), pong["id"])
}

func TestStdioSessionRemovedOnEOF(t *testing.T) {
	engine, sessions := newTestEngine(t, nil)

	var out bytes.Buffer
	transport := NewStdioTransport(engine, sessions, strings.NewReader(""), &out, zap.NewNop())
	require.NoError(t, transport.Run(context.Background()))
	assert.Equal(t, 0, sessions.Len())
}

func TestStdioContextCancellation(t *testing.T) {
	engine, sessions := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	done := make(chan error, 1)
	transport := NewStdioTransport(engine, sessions, pr, io.Discard, zap.NewNop())
	go func() { done <- transport.Run(ctx) }()

	cancel()
	// Unblock the pending read so the loop can observe cancellation. The
	// write runs in its own goroutine because it blocks forever if Run
	// already returned before issuing a read; Cleanup closing pw releases
	// it then.
	go func() { _, _ = pw.Write([]byte("\n")) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("transport did not stop on cancellation")
	}
}

func TestReadLine(t *testing.T) {
	t.Run("spans internal buffer", func(t *testing.T) {
		long := strings.Repeat("x", 5000)
		r := bufio.NewReaderSize(strings.NewReader(long+"\n"), 16)
		line, tooLong, err := readLine(r, 10000)
		require.NoError(t, err)
		assert.False(t, tooLong)
		assert.Equal(t, long, string(line))
	})

	t.Run("oversize line drained", func(t *testing.T) {
		r := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 100)+"\nping\n"), 16)
		_, tooLong, err := readLine(r, 50)
		require.NoError(t, err)
		assert.True(t, tooLong)

		line, tooLong, err := readLine(r, 50)
		require.NoError(t, err)
		assert.False(t, tooLong)
		assert.Equal(t, "ping", string(line))
	})

	t.Run("eof", func(t *testing.T) {
		r := bufio.NewReaderSize(strings.NewReader(""), 16)
		_, _, err := readLine(r, 50)
		assert.ErrorIs(t, err, io.EOF)
	})
}
