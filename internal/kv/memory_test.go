package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clock.Now
	return m, clock
}

func TestMemory_SetIfAbsentHonoursExpiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	ok, err := m.SetIfAbsent(ctx, "advance-lock:chat-1:0", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetIfAbsent(ctx, "advance-lock:chat-1:0", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the key is live")

	clock.Advance(11 * time.Second)
	ok, err = m.SetIfAbsent(ctx, "advance-lock:chat-1:0", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must be treated as absent")
}

func TestMemory_GetMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	_, err := m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "poll-map:p1", []byte(`{"a":1}`), time.Minute))
	got, err := m.Get(ctx, "poll-map:p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	clock.Advance(time.Minute)
	_, err = m.Get(ctx, "poll-map:p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_UpdateAbortsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	require.NoError(t, m.Set(ctx, "k", []byte("v1"), 0))

	boom := errors.New("boom")
	err := m.Update(ctx, "k", 0, func(current []byte) ([]byte, error) {
		assert.Equal(t, "v1", string(current))
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestMemory_UpdateJSONConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	type counter struct{ N int }
	require.NoError(t, SetJSON(ctx, m, "c", counter{}, time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := UpdateJSON(ctx, m, "c", time.Hour, func(c *counter) error {
				c.N++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := GetJSON[counter](ctx, m, "c")
	require.NoError(t, err)
	assert.Equal(t, 50, got.N)
}

func TestMemory_UpdateJSONMissingKey(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	_, err := UpdateJSON(ctx, m, "missing", time.Hour, func(v *struct{}) error {
		assert.Nil(t, v)
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_AddToSetAndKeys(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	added, size, err := m.AddToSet(ctx, "lobby-members:7", "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, added)
	assert.EqualValues(t, 1, size)

	added, size, err = m.AddToSet(ctx, "lobby-members:7", "1", time.Hour)
	require.NoError(t, err)
	assert.False(t, added)
	assert.EqualValues(t, 1, size)

	_, size, err = m.AddToSet(ctx, "lobby-members:7", "2", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)

	members, err := m.Members(ctx, "lobby-members:7")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"1", "2"}, members)

	require.NoError(t, m.Set(ctx, "group-session:1", []byte("{}"), time.Hour))
	require.NoError(t, m.Set(ctx, "group-session:2", []byte("{}"), time.Hour))
	keys, err := m.Keys(ctx, "group-session:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"group-session:1", "group-session:2"}, keys)
}

func TestMemory_IncrBy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	v, err := m.IncrBy(ctx, "streak:1", 1, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
	v, err = m.IncrBy(ctx, "streak:1", 2, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	raw, err := m.Get(ctx, "streak:1")
	require.NoError(t, err)
	assert.Equal(t, "3", string(raw))
}

func TestMemory_Reap(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "b", []byte("1"), 0))

	clock.Advance(2 * time.Second)
	m.reap()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.entries, "a")
	assert.Contains(t, m.entries, "b")
}
