// Package toolclient is a colocated client for the tool socket (spec.md
// §6.1): it dials the Unix domain socket internal/toolsocket listens on,
// sends the same handshake identity and length-prefixed JSON envelopes
// internal/toolsurface.SocketServer expects, and decodes its responses.
// Used by cmd/sessions.go and cmd/computers.go so the CLI never talks to
// internal/lifecycle or internal/session directly — it is just another
// tool attached to the Agent Tool Surface, the same as a CLI-agent
// subprocess, identifying itself with OriginLocalTUI.
package toolclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

const maxFrameBytes = 16 << 20

// Client is one connection to a computer's colocated tool socket.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
}

// Dial connects to the Unix socket at path and sends the local-operator
// handshake (spec.md §6.1: "tools identify themselves on connect").
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial tool socket %s: %w", path, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	if err := writeFrame(conn, toolsurface.HandshakeIdentity{Origin: toolsurface.OriginLocalTUI}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return c, nil
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends one RPC request and reads response frames until Final, per
// spec.md §6.1's streaming-RPC shape. Non-streaming RPCs return exactly
// one frame before Final.
func (c *Client) call(ctx context.Context, rpc string, args any, result any) error {
	chunks, err := c.stream(ctx, rpc, args)
	if err != nil {
		return err
	}
	if result == nil || len(chunks) == 0 {
		return nil
	}
	return json.Unmarshal(chunks[0], result)
}

// stream sends an RPC and returns every non-empty Result frame's raw
// bytes in order, for both single-result and streaming RPCs.
func (c *Client) stream(ctx context.Context, rpc string, args any) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s args: %w", rpc, err)
		}
		rawArgs = data
	}
	if err := writeFrame(c.conn, toolsurface.Envelope{RPC: rpc, Args: rawArgs}); err != nil {
		return nil, fmt.Errorf("send %s request: %w", rpc, err)
	}

	var results []json.RawMessage
	for {
		var resp toolsurface.Envelope
		if err := readFrame(c.r, &resp); err != nil {
			return nil, fmt.Errorf("read %s response: %w", rpc, err)
		}
		if resp.Error != nil {
			return nil, errs.New(resp.Error.Kind, resp.Error.Message)
		}
		if len(resp.Result) > 0 {
			results = append(results, resp.Result)
		}
		if resp.Final {
			return results, nil
		}
	}
}

func (c *Client) ListComputers(ctx context.Context) ([]toolsurface.ComputerInfo, error) {
	var out []toolsurface.ComputerInfo
	err := c.call(ctx, "list_computers", nil, &out)
	return out, err
}

func (c *Client) ListProjects(ctx context.Context, computer string) ([]toolsurface.ProjectInfo, error) {
	var out []toolsurface.ProjectInfo
	err := c.call(ctx, "list_projects", struct {
		Computer string `json:"computer"`
	}{computer}, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context, filter model.Filter) ([]model.SessionSummary, error) {
	var out []model.SessionSummary
	err := c.call(ctx, "list_sessions", filter, &out)
	return out, err
}

// StartSession starts a session and returns its id.
func (c *Client) StartSession(ctx context.Context, args toolsurface.StartSessionArgs) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.call(ctx, "start_session", args, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// SendMessage delivers message and returns the chunks collected within
// the server's interest window (0 uses the default per spec.md §4.7).
func (c *Client) SendMessage(ctx context.Context, sessionID, message string, interestWindowSeconds int) ([]model.OutputChunk, error) {
	raw, err := c.stream(ctx, "send_message", struct {
		SessionID             string `json:"session_id"`
		Message               string `json:"message"`
		InterestWindowSeconds int    `json:"interest_window_seconds"`
	}{sessionID, message, interestWindowSeconds})
	if err != nil {
		return nil, err
	}
	return decodeChunks(raw)
}

// ObserveSession streams output from fromSequence without writing input.
// interestWindowSeconds <= 0 waits until the session closes the stream.
func (c *Client) ObserveSession(ctx context.Context, sessionID string, fromSequence int64, interestWindowSeconds int) ([]model.OutputChunk, error) {
	raw, err := c.stream(ctx, "observe_session", struct {
		SessionID             string `json:"session_id"`
		FromSequence          int64  `json:"from_sequence"`
		InterestWindowSeconds int    `json:"interest_window_seconds"`
	}{sessionID, fromSequence, interestWindowSeconds})
	if err != nil {
		return nil, err
	}
	return decodeChunks(raw)
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionID string, sinceSequence int64) (toolsurface.SessionStatusResult, error) {
	var out toolsurface.SessionStatusResult
	err := c.call(ctx, "get_session_status", struct {
		SessionID     string `json:"session_id"`
		SinceSequence int64  `json:"since_sequence"`
	}{sessionID, sinceSequence}, &out)
	return out, err
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, "end_session", struct {
		SessionID string `json:"session_id"`
	}{sessionID}, nil)
}

func decodeChunks(raw []json.RawMessage) ([]model.OutputChunk, error) {
	out := make([]model.OutputChunk, 0, len(raw))
	for _, r := range raw {
		var chunk model.OutputChunk
		if err := json.Unmarshal(r, &chunk); err != nil {
			return nil, fmt.Errorf("decode output chunk: %w", err)
		}
		out = append(out, chunk)
	}
	return out, nil
}

func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r *bufio.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", n, maxFrameBytes)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
