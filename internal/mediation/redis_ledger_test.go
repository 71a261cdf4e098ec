package mediation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safegate/internal/testutil"
)

func TestRedisLedgerCap(t *testing.T) {
	client, prefix := testutil.RedisTest(t)

	ctx := context.Background()
	l := NewRedisLedger(client, prefix)
	key := ContactKey{Sender: "assistant", Recipient: "user:1", Platform: "instagram", Date: "2026-03-10"}

	for i := 1; i <= 2; i++ {
		d, err := l.CheckAndRecord(ctx, key, 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
	}
	d, err := l.CheckAndRecord(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Count)

	n, err := l.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = l.CheckAndRecord(ctx, ContactKey{Sender: "a", Recipient: "b", Platform: "sms", Date: "bad"}, 2)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
