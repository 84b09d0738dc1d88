// Package queue implements the durable file-parsing queue on Redis Streams
// with consumer groups. Messages are delivered to exactly one consumer per
// group; unacked messages stay in the pending entries list and are re-read
// by a restarted consumer with the same name.
package queue

import (
	"context"
	"strings"
	"time"
)

// Stream and group names for the file-parsing pipeline.
const (
	FileParsingStream = "file_parsing_queue"
	ParserGroup       = "file_parsers"
)

// Message is one queue entry. Values carries string-encoded metadata; the
// required field is "file_id".
type Message struct {
	ID     string
	Values map[string]string
}

// FileID returns the file_id field, or "" when absent.
func (m Message) FileID() string {
	return m.Values["file_id"]
}

// Streams is the narrow Redis Streams surface the queue client needs. The
// production implementation wraps go-redis; tests use an in-memory fake.
type Streams interface {
	XAdd(ctx context.Context, stream string, values map[string]string) (string, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XReadGroup(ctx context.Context, group, consumer, stream, start string, count int64, block time.Duration) ([]Message, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XLen(ctx context.Context, stream string) (int64, error)
	XPending(ctx context.Context, stream, group string) (int64, error)
	Ping(ctx context.Context) error
}

// Client is the file-parsing queue bound to one stream and group.
type Client struct {
	streams Streams
	stream  string
	group   string
}

// New returns a client on the default stream/group, creating the consumer
// group if it does not exist yet.
func New(ctx context.Context, streams Streams) (*Client, error) {
	c := &Client{streams: streams, stream: FileParsingStream, group: ParserGroup}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureGroup creates the consumer group at stream start. A BUSYGROUP reply
// means the group already exists and is not an error.
func (c *Client) ensureGroup(ctx context.Context) error {
	err := c.streams.XGroupCreateMkStream(ctx, c.stream, c.group, "0")
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Enqueue appends a parse task for fileID and returns the message id.
func (c *Client) Enqueue(ctx context.Context, fileID string, metadata map[string]string) (string, error) {
	values := map[string]string{"file_id": fileID}
	for k, v := range metadata {
		values[k] = v
	}
	return c.streams.XAdd(ctx, c.stream, values)
}

// Read blocks up to block for new messages addressed to consumer.
func (c *Client) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	return c.streams.XReadGroup(ctx, c.group, consumer, c.stream, ">", count, block)
}

// ReadPending re-reads messages already delivered to consumer but never
// acked, from the start of its pending list. A restarted consumer with the
// same name drains these before asking for new work.
func (c *Client) ReadPending(ctx context.Context, consumer string, count int64) ([]Message, error) {
	return c.streams.XReadGroup(ctx, c.group, consumer, c.stream, "0", count, 0)
}

// Ack marks messages as processed, removing them from the pending list.
func (c *Client) Ack(ctx context.Context, ids ...string) error {
	return c.streams.XAck(ctx, c.stream, c.group, ids...)
}

// Length returns the total number of entries in the stream.
func (c *Client) Length(ctx context.Context) (int64, error) {
	return c.streams.XLen(ctx, c.stream)
}

// Pending returns the number of delivered-but-unacked messages.
func (c *Client) Pending(ctx context.Context) (int64, error) {
	return c.streams.XPending(ctx, c.stream, c.group)
}

// Healthy reports whether the backing Redis responds to PING.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.streams.Ping(ctx) == nil
}
