package redisseq

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	values map[string]int64
	err    error
	closed bool
}

func (f *fakeClient) IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "incrby", key, value)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.values[key] += value
	cmd.SetVal(f.values[key])
	return cmd
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestNextBlockReturnsFirstValueOfBlock(t *testing.T) {
	fake := &fakeClient{values: map[string]int64{}}
	seq := &Sequence{client: fake, key: DefaultKey}
	ctx := context.Background()

	first, err := seq.NextBlock(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	second, err := seq.NextBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(11), second)
	require.Equal(t, int64(11), fake.values[DefaultKey])

	_, err = seq.NextBlock(ctx, 0)
	require.Error(t, err)
}

func TestNextBlockPropagatesErrors(t *testing.T) {
	boom := errors.New("connection refused")
	seq := &Sequence{client: &fakeClient{err: boom}, key: "k"}
	_, err := seq.NextBlock(context.Background(), 5)
	require.ErrorIs(t, err, boom)
}

func TestCloseOnlyOwnedClient(t *testing.T) {
	fake := &fakeClient{values: map[string]int64{}}
	require.NoError(t, (&Sequence{client: fake}).Close())
	require.False(t, fake.closed)
	require.NoError(t, (&Sequence{client: fake, ownClient: true}).Close())
	require.True(t, fake.closed)
}

func TestNewRequiresAddressOrClient(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	seq, err := New(Config{Addr: "127.0.0.1:6379", Key: "custom"})
	require.NoError(t, err)
	require.Equal(t, "custom", seq.key)
	require.NoError(t, seq.Close())
}
