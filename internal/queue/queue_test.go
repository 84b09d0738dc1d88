package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreams is an in-memory stand-in for Redis Streams with a single
// consumer group: new messages go to exactly one reader, acks clear the
// pending list.
type fakeStreams struct {
	entries   []Message
	delivered map[string]string // message id -> consumer
	acked     map[string]bool
	groups    map[string]bool
	nextID    int
	pingErr   error
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		delivered: make(map[string]string),
		acked:     make(map[string]bool),
		groups:    make(map[string]bool),
	}
}

func (f *fakeStreams) XAdd(_ context.Context, _ string, values map[string]string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("%d-0", f.nextID)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	f.entries = append(f.entries, Message{ID: id, Values: copied})
	return id, nil
}

func (f *fakeStreams) XGroupCreateMkStream(_ context.Context, stream, group, _ string) error {
	key := stream + "/" + group
	if f.groups[key] {
		return errors.New("BUSYGROUP Consumer Group name already exists")
	}
	f.groups[key] = true
	return nil
}

func (f *fakeStreams) XReadGroup(_ context.Context, _, consumer, _, start string, count int64, _ time.Duration) ([]Message, error) {
	var out []Message
	if start != ">" {
		// History read: this consumer's delivered-but-unacked entries.
		for _, m := range f.entries {
			if f.delivered[m.ID] == consumer && !f.acked[m.ID] {
				out = append(out, m)
				if int64(len(out)) >= count {
					break
				}
			}
		}
		return out, nil
	}
	for _, m := range f.entries {
		if _, taken := f.delivered[m.ID]; taken {
			continue
		}
		f.delivered[m.ID] = consumer
		out = append(out, m)
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *fakeStreams) XAck(_ context.Context, _, _ string, ids ...string) error {
	for _, id := range ids {
		f.acked[id] = true
	}
	return nil
}

func (f *fakeStreams) XLen(_ context.Context, _ string) (int64, error) {
	return int64(len(f.entries)), nil
}

func (f *fakeStreams) XPending(_ context.Context, _, _ string) (int64, error) {
	var n int64
	for id := range f.delivered {
		if !f.acked[id] {
			n++
		}
	}
	return n, nil
}

func (f *fakeStreams) Ping(context.Context) error { return f.pingErr }

func TestNewCreatesGroupOnce(t *testing.T) {
	fs := newFakeStreams()
	ctx := context.Background()

	_, err := New(ctx, fs)
	require.NoError(t, err)

	// Second client sees BUSYGROUP and treats it as success.
	_, err = New(ctx, fs)
	require.NoError(t, err)
}

func TestEnqueueAndRead(t *testing.T) {
	fs := newFakeStreams()
	ctx := context.Background()
	c, err := New(ctx, fs)
	require.NoError(t, err)

	id, err := c.Enqueue(ctx, "file-1", map[string]string{"origin": "upload"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := c.Read(ctx, "worker-1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "file-1", msgs[0].FileID())
	assert.Equal(t, "upload", msgs[0].Values["origin"])
}

func TestExactlyOneConsumerReceivesEachMessage(t *testing.T) {
	fs := newFakeStreams()
	ctx := context.Background()
	c, err := New(ctx, fs)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := c.Enqueue(ctx, fmt.Sprintf("file-%d", i), nil)
		require.NoError(t, err)
	}

	a, err := c.Read(ctx, "worker-a", 3, 0)
	require.NoError(t, err)
	b, err := c.Read(ctx, "worker-b", 10, 0)
	require.NoError(t, err)

	assert.Len(t, a, 3)
	assert.Len(t, b, 3)
	seen := make(map[string]bool)
	for _, m := range append(a, b...) {
		assert.False(t, seen[m.ID], "message %s delivered twice", m.ID)
		seen[m.ID] = true
	}
}

func TestAckClearsPending(t *testing.T) {
	fs := newFakeStreams()
	ctx := context.Background()
	c, err := New(ctx, fs)
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, "file-1", nil)
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, "file-2", nil)
	require.NoError(t, err)

	msgs, err := c.Read(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	require.NoError(t, c.Ack(ctx, msgs[0].ID))
	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	length, err := c.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)
}

func TestReadPendingRedeliversUnacked(t *testing.T) {
	fs := newFakeStreams()
	ctx := context.Background()
	c, err := New(ctx, fs)
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, "file-1", nil)
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, "file-2", nil)
	require.NoError(t, err)

	// A consumer claims both messages, acks one and dies.
	msgs, err := c.Read(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NoError(t, c.Ack(ctx, msgs[0].ID))

	// The restarted consumer sees only its unacked message again.
	redelivered, err := c.ReadPending(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "file-2", redelivered[0].FileID())

	// Another consumer's pending list stays empty.
	other, err := c.ReadPending(ctx, "worker-2", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	// Once acked it is gone from the pending list too.
	require.NoError(t, c.Ack(ctx, redelivered[0].ID))
	redelivered, err = c.ReadPending(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, redelivered)
}

func TestHealthy(t *testing.T) {
	fs := newFakeStreams()
	ctx := context.Background()
	c, err := New(ctx, fs)
	require.NoError(t, err)
	assert.True(t, c.Healthy(ctx))

	fs.pingErr = errors.New("connection refused")
	assert.False(t, c.Healthy(ctx))
}
