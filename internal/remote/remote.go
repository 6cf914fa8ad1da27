// Package remote implements the cross-node Remote Execution Protocol
// (spec.md §4.6) on top of Redis Streams: an inbox stream per node for
// Command Envelopes, an output stream per session for Output Chunks, and
// heartbeat keys for peer liveness. Grounded on goa-ai's
// registry.ResultStreamManager (TTL'd Redis-backed stream mapping) and
// registry.go (a Redis client threaded through a Config struct, never a
// package-level singleton).
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
)

// Config configures the Redis-backed transport. Client is required; the
// TTLs default per spec.md §4.6 if zero.
type Config struct {
	Client        *redis.Client
	OutputTTL     time.Duration // default 1 hour, §4.6 "TTL default ~1 hour of idleness"
	HeartbeatTTL  time.Duration // default 60s, matches internal/peer's freshness assumption
	DedupWindow   time.Duration // default 24h; correlation_id dedup window (inbox streams carry no TTL)
	InboxReadSize int64         // max entries per inbox read, default 100
}

const (
	defaultOutputTTL     = time.Hour
	defaultHeartbeatTTL  = 60 * time.Second
	defaultDedupWindow   = 24 * time.Hour
	defaultInboxReadSize = 100
	defaultReplyTTL      = 5 * time.Minute
)

// Client is the Remote Execution Protocol transport.
type Client struct {
	rdb *redis.Client
	cfg Config
}

// New constructs a Client. cfg.Client must be non-nil.
func New(cfg Config) (*Client, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("remote: redis client is required")
	}
	if cfg.OutputTTL <= 0 {
		cfg.OutputTTL = defaultOutputTTL
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = defaultHeartbeatTTL
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.InboxReadSize <= 0 {
		cfg.InboxReadSize = defaultInboxReadSize
	}
	return &Client{rdb: cfg.Client, cfg: cfg}, nil
}

func inboxKey(computer string) string       { return "inbox/" + computer }
func outputKey(sessionID string) string     { return "output/" + sessionID }
func outputSeqKey(sessionID string) string  { return "output-seq/" + sessionID }
func heartbeatKey(computer string) string   { return "heartbeat/" + computer }
func dedupKey(correlationID string) string  { return "dedup/" + correlationID }
func pushKey(computer, topic string) string { return "push/" + computer + "/" + topic }

// SendCommand appends env to computer's inbox stream. Delivery is
// at-least-once by construction (spec.md §4.6); the caller is responsible
// for setting a correlation_id the handler can dedup against.
func (c *Client) SendCommand(ctx context.Context, computer string, env model.CommandEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal command envelope: %w", err)
	}
	_, err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: inboxKey(computer),
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "append command to inbox", err)
	}
	return nil
}

// InboxEntry pairs a decoded Command Envelope with its stream position,
// so the owning node can checkpoint its last-read position.
type InboxEntry struct {
	StreamID string
	Envelope model.CommandEnvelope
}

// ReadInbox reads computer's inbox entries strictly after afterID (use
// "0" to read from the beginning, or a prior entry's StreamID to resume).
func (c *Client) ReadInbox(ctx context.Context, computer, afterID string) ([]InboxEntry, error) {
	if afterID == "" {
		afterID = "0"
	}
	res, err := c.rdb.XRangeN(ctx, inboxKey(computer), "("+afterID, "+", c.cfg.InboxReadSize).Result()
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "read inbox", err)
	}
	return decodeInboxEntries(res)
}

func decodeInboxEntries(msgs []redis.XMessage) ([]InboxEntry, error) {
	entries := make([]InboxEntry, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			return nil, errs.New(errs.InternalInvariant, "inbox entry missing payload field")
		}
		var env model.CommandEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("unmarshal command envelope: %w", err)
		}
		entries = append(entries, InboxEntry{StreamID: msg.ID, Envelope: env})
	}
	return entries, nil
}

// CheckAndMarkDelivered returns true if correlationID has already been
// seen within the dedup window (the caller must not re-apply the
// command's effect), and records it as seen if not. This is the
// correlation-id dedup spec.md §4.6 requires for non-idempotent handlers.
func (c *Client) CheckAndMarkDelivered(ctx context.Context, correlationID string) (alreadyDelivered bool, err error) {
	ok, err := c.rdb.SetNX(ctx, dedupKey(correlationID), "1", c.cfg.DedupWindow).Result()
	if err != nil {
		return false, errs.Wrap(errs.TransientTransport, "check correlation id", err)
	}
	return !ok, nil
}

// AppendOutput appends chunk to sessionID's output stream with a
// monotonically increasing sequence number, assigned atomically via
// INCR. Output is ordered per session by construction: only the owning
// node ever calls AppendOutput for its own sessions (single writer).
func (c *Client) AppendOutput(ctx context.Context, sessionID string, chunk model.OutputChunk) (int64, error) {
	seq, err := c.rdb.Incr(ctx, outputSeqKey(sessionID)).Result()
	if err != nil {
		return 0, errs.Wrap(errs.TransientTransport, "allocate output sequence", err)
	}
	chunk.Sequence = seq

	payload, err := json.Marshal(chunk)
	if err != nil {
		return 0, fmt.Errorf("marshal output chunk: %w", err)
	}
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: outputKey(sessionID), Values: map[string]any{"payload": payload}})
	pipe.Expire(ctx, outputKey(sessionID), c.cfg.OutputTTL)
	pipe.Expire(ctx, outputSeqKey(sessionID), c.cfg.OutputTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errs.Wrap(errs.TransientTransport, "append output chunk", err)
	}
	return seq, nil
}

// AppendPush appends chunk to computer's per-topic push stream (spec.md
// §4.6 "push/<computer>/<topic>", per-peer interest push). Unlike
// AppendOutput this stream carries no sequence guarantee of its own: it is
// a best-effort forward to peers who advertised interest in topic, not the
// authoritative per-session log (that remains output/<session_id>).
func (c *Client) AppendPush(ctx context.Context, computer, topic string, chunk model.OutputChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal push chunk: %w", err)
	}
	key := pushKey(computer, topic)
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"payload": payload}})
	pipe.Expire(ctx, key, c.cfg.OutputTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.TransientTransport, "append push chunk", err)
	}
	return nil
}

// ReadSince reads sessionID's output chunks with sequence strictly
// greater than checkpointSequence. truncated is true when the oldest
// returned chunk's sequence leaves a gap before checkpointSequence,
// meaning the consumer fell behind the stream's retained horizon and
// must treat the missing range as lost (spec.md §4.6 output_truncated).
func (c *Client) ReadSince(ctx context.Context, sessionID string, checkpointSequence int64) (chunks []model.OutputChunk, truncated bool, err error) {
	res, err := c.rdb.XRange(ctx, outputKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, false, errs.Wrap(errs.TransientTransport, "read output stream", err)
	}
	all, err := decodeOutputChunks(res)
	if err != nil {
		return nil, false, err
	}
	return filterSince(all, checkpointSequence)
}

func decodeOutputChunks(msgs []redis.XMessage) ([]model.OutputChunk, error) {
	chunks := make([]model.OutputChunk, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			return nil, errs.New(errs.InternalInvariant, "output entry missing payload field")
		}
		var chunk model.OutputChunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal output chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// filterSince is the pure core of ReadSince: given every retained chunk
// (oldest first) and a checkpoint, it returns the chunks after the
// checkpoint and whether a gap exists before the first retained entry.
func filterSince(all []model.OutputChunk, checkpointSequence int64) (chunks []model.OutputChunk, truncated bool, err error) {
	if len(all) == 0 {
		return nil, false, nil
	}
	oldest := all[0].Sequence
	if oldest > checkpointSequence+1 {
		truncated = true
	}
	for _, chunk := range all {
		if chunk.Sequence > checkpointSequence {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, truncated, nil
}

// ReplyEntry pairs a decoded reply payload with its stream position, for
// a caller polling a caller-supplied reply_stream (spec.md §4.6, command
// envelope "reply_stream" field) to checkpoint what it has already read.
type ReplyEntry struct {
	StreamID string
	Payload  json.RawMessage
}

// AppendReply appends v (JSON-encoded) to the caller-chosen stream key
// streamKey, which need not follow the inbox/output naming convention:
// the command envelope's reply_stream names an arbitrary key the sender
// controls. A short TTL reclaims the key once the caller stops polling.
func (c *Client) AppendReply(ctx context.Context, streamKey string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamKey, Values: map[string]any{"payload": payload}})
	pipe.Expire(ctx, streamKey, defaultReplyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.TransientTransport, "append reply", err)
	}
	return nil
}

// ReadReplies reads streamKey's entries strictly after afterID, the same
// resume convention as ReadInbox.
func (c *Client) ReadReplies(ctx context.Context, streamKey, afterID string) ([]ReplyEntry, error) {
	if afterID == "" {
		afterID = "0"
	}
	res, err := c.rdb.XRangeN(ctx, streamKey, "("+afterID, "+", c.cfg.InboxReadSize).Result()
	if err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "read reply stream", err)
	}
	entries := make([]ReplyEntry, 0, len(res))
	for _, msg := range res {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			return nil, errs.New(errs.InternalInvariant, "reply entry missing payload field")
		}
		entries = append(entries, ReplyEntry{StreamID: msg.ID, Payload: json.RawMessage(raw)})
	}
	return entries, nil
}

// WriteHeartbeat sets computer's heartbeat key with the configured TTL,
// the stream-store side of the Peer Registry's liveness source.
func (c *Client) WriteHeartbeat(ctx context.Context, computer string, hb model.HeartbeatRecord) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := c.rdb.Set(ctx, heartbeatKey(computer), payload, c.cfg.HeartbeatTTL).Err(); err != nil {
		return errs.Wrap(errs.TransientTransport, "write heartbeat", err)
	}
	return nil
}

// ScanHeartbeats enumerates every live heartbeat key. Used by the peer
// registry's background subscriber (internal/peer.Registry.Upsert driver)
// since Redis key-TTL expiry has no push notification in this pack's
// usage — liveness is refreshed by polling, not by event.
func (c *Client) ScanHeartbeats(ctx context.Context) ([]model.HeartbeatRecord, error) {
	var records []model.HeartbeatRecord
	iter := c.rdb.Scan(ctx, 0, "heartbeat/*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, errs.Wrap(errs.TransientTransport, "read heartbeat key", err)
		}
		var hb model.HeartbeatRecord
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			return nil, fmt.Errorf("unmarshal heartbeat: %w", err)
		}
		records = append(records, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(errs.TransientTransport, "scan heartbeat keys", err)
	}
	return records, nil
}
