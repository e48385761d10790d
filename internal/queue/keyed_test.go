package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedBuffersUntilGet(t *testing.T) {
	q := NewKeyed[string]()
	q.Post("1", "a")
	q.Post("1", "b")
	assert.Equal(t, 2, q.Pending("1"))

	ctx := context.Background()
	v, err := q.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = q.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, 0, q.Pending("1"))
}

func TestKeyedKeysAreIndependent(t *testing.T) {
	q := NewKeyed[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Get(context.Background(), "3")
		if err == nil {
			got <- v
		}
	}()
	require.Eventually(t, func() bool { return q.Waiting("3") == 1 }, time.Second, 5*time.Millisecond)

	q.Post("2", "wrong key")
	select {
	case v := <-got:
		t.Fatalf("waiter on key 3 received %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	q.Post("3", "right key")
	select {
	case v := <-got:
		assert.Equal(t, "right key", v)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.Equal(t, 1, q.Pending("2"))
}

func TestKeyedGetHonorsContext(t *testing.T) {
	q := NewKeyed[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx, "k")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, q.Waiting("k"))

	q.Post("k", 7)
	v, err := q.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestKeyedCloseReleasesWaiters(t *testing.T) {
	q := NewKeyed[int]()
	errs := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background(), "k")
		errs <- err
	}()
	require.Eventually(t, func() bool { return q.Waiting("k") == 1 }, time.Second, 5*time.Millisecond)

	q.Close()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the waiter")
	}

	q.Post("k", 1)
	_, err := q.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}
