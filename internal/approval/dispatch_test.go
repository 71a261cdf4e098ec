package approval

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safegate/internal/testutil"
)

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := LogDispatcher{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, d.Dispatch(context.Background(), Action{ID: "act-1", TraceID: "trace_aaaaaaaaaaaa", Platform: "sms"}))
	assert.Contains(t, buf.String(), "action_id=act-1")
	assert.Contains(t, buf.String(), "platform=sms")
}

func TestRedisDispatcher(t *testing.T) {
	client, prefix := testutil.RedisTest(t)
	ctx := context.Background()

	d := NewRedisDispatcher(client, prefix+"dispatch", 100)
	require.NoError(t, d.Dispatch(ctx, Action{ID: "act-1", TraceID: "trace_aaaaaaaaaaaa", Content: "hello"}))

	msgs, err := client.XRange(ctx, prefix+"dispatch", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "act-1", msgs[0].Values["action_id"])
	assert.Equal(t, "hello", msgs[0].Values["content"])
}

func TestRedisDispatcherDefaultStream(t *testing.T) {
	d := NewRedisDispatcher(nil, "", 0)
	assert.Equal(t, DefaultDispatchStream, d.stream)
}
