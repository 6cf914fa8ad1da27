package toolsurface

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/workerpool"
)

// socketWorkers and socketQueueDepth bound how many command-handler
// invocations run concurrently across every tool-socket connection
// (spec.md §5: a flood on one node must not exhaust tasks). A connection
// submitting work blocks until a worker is free, throttling that
// connection's own read loop rather than corrupting another
// connection's response order.
const (
	socketWorkers    = 8
	socketQueueDepth = 64
)

// maxFrameBytes bounds a single length-prefixed frame to guard against a
// misbehaving client claiming an unbounded length.
const maxFrameBytes = 16 << 20

// Envelope is one request or response frame on the tool socket (spec.md
// §6.1): length-prefixed JSON, request fields populated on the way in,
// result/error/final populated on the way out.
type Envelope struct {
	// Request fields.
	RPC  string          `json:"rpc,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// Response fields.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Final  bool            `json:"final,omitempty"`
}

// RPCError is the wire shape of a failed RPC (spec.md §6.1).
type RPCError struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// HandshakeIdentity is the frame a tool sends immediately after connecting
// (spec.md §6.1: "tools identify themselves on connect").
type HandshakeIdentity struct {
	Origin          Origin `json:"origin"`
	CallerSessionID string `json:"caller_session_id,omitempty"`
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

// SocketServer accepts tool-socket connections and dispatches each request
// to a Surface, one connection per tool per spec.md §6.1 ("a tool attaches
// once... and may issue many RPCs over that connection").
type SocketServer struct {
	surface *Surface
	logger  *log.Logger
	pool    *workerpool.Pool
}

// NewSocketServer constructs a SocketServer with a bounded pool backing
// every connection's command-handler invocations. A nil logger discards
// logs.
func NewSocketServer(s *Surface, logger *log.Logger) *SocketServer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SocketServer{
		surface: s,
		logger:  logger,
		pool:    workerpool.New(context.Background(), socketWorkers, socketQueueDepth, logger),
	}
}

// Close stops accepting new command-handler work and waits for in-flight
// invocations to finish. Safe to call once after Serve returns.
func (s *SocketServer) Close() {
	s.pool.Close()
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (s *SocketServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *SocketServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var identity HandshakeIdentity
	if err := readFrame(r, &identity); err != nil {
		s.logger.Printf("[toolsurface] handshake read failed: %v", err)
		return
	}

	for {
		var req Envelope
		if err := readFrame(r, &req); err != nil {
			if err != io.EOF {
				s.logger.Printf("[toolsurface] %s: frame read failed: %v", identity.Origin, err)
			}
			return
		}
		caller := Caller{Origin: identity.Origin, CallerSessionID: identity.CallerSessionID}

		done := make(chan struct{})
		submitted := s.pool.Submit(ctx, func(jobCtx context.Context) {
			defer close(done)
			s.dispatch(jobCtx, conn, req, caller)
		})
		if !submitted {
			return
		}
		<-done
	}
}

// dispatch resolves one request to zero or more response frames written
// directly to conn, terminated by a frame with Final=true for streaming
// RPCs (send_message, observe_session) per spec.md §6.1.
func (s *SocketServer) dispatch(ctx context.Context, w io.Writer, req Envelope, caller Caller) {
	result, streamed, err := s.invoke(ctx, req, caller)
	if err != nil {
		// A streaming RPC (send_message, observe_session) may still carry a
		// rendered error chunk alongside its failure (spec.md §7 "errors
		// render uniformly"); write it before the terminal Error envelope so
		// a reader watching the output stream sees the same kind:"error"
		// chunk any other adapter surface would.
		for _, chunk := range streamed {
			data, _ := json.Marshal(chunk)
			writeFrame(w, Envelope{Result: data})
		}
		writeFrame(w, Envelope{Error: toRPCError(err), Final: true})
		return
	}
	if streamed != nil {
		for _, chunk := range streamed {
			data, _ := json.Marshal(chunk)
			writeFrame(w, Envelope{Result: data})
		}
		writeFrame(w, Envelope{Final: true})
		return
	}
	data, _ := json.Marshal(result)
	writeFrame(w, Envelope{Result: data, Final: true})
}

func toRPCError(err error) *RPCError {
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.InternalInvariant
	}
	return &RPCError{Kind: kind, Message: err.Error()}
}
