package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/replyq/internal/lock"
	"github.com/msageha/replyq/internal/yaml"
)

func TestReaperTick_ReclaimsStaleLeases(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, CreateRequest{ChatID: "1"})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	r, err := NewReaper(q, time.Hour, nil)
	require.NoError(t, err)

	var hookCalls atomic.Int32
	r.AddHook(func(context.Context, time.Time) { hookCalls.Add(1) })

	assert.Equal(t, 0, r.Tick(ctx))
	assert.Equal(t, int32(1), hookCalls.Load())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, r.Tick(ctx))
	assert.Equal(t, int32(2), hookCalls.Load())
	assert.FileExists(t, filepath.Join(q.Dir(), availableFromLeased(claimed.LockID)))
	assert.NoFileExists(t, filepath.Join(q.Dir(), claimed.LockID))
}

func TestReaperTick_QuarantinesCorruptLeaseAndReclaimsTheRest(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, CreateRequest{ChatID: "1"})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	corrupt := "default__corrupt.taking"
	require.NoError(t, os.WriteFile(filepath.Join(q.Dir(), corrupt), []byte("::not a record"), 0644))

	r, err := NewReaper(q, time.Hour, nil)
	require.NoError(t, err)

	// Both records are fresh: nothing happens yet.
	assert.Equal(t, 0, r.Tick(ctx))
	assert.FileExists(t, filepath.Join(q.Dir(), corrupt))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, r.Tick(ctx))

	assert.FileExists(t, filepath.Join(q.Dir(), availableFromLeased(claimed.LockID)))
	assert.NoFileExists(t, filepath.Join(q.Dir(), claimed.LockID))
	assert.NoFileExists(t, filepath.Join(q.Dir(), corrupt))

	entries, err := os.ReadDir(filepath.Join(q.Dir(), yaml.QuarantineDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), corrupt), entries[0].Name())

	again, err := q.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "1", again.Task.ChatID)
}

func TestReaperTick_StandbyWhenNotLeader(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, CreateRequest{ChatID: "1"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "")
	require.NoError(t, err)

	r, err := NewReaper(q, time.Hour, nil)
	require.NoError(t, err)

	leader := lock.NewFileLock(filepath.Join(q.Dir(), ".locks", "reaper.lock"))
	require.NoError(t, leader.TryLock())

	var hookCalls atomic.Int32
	r.AddHook(func(context.Context, time.Time) { hookCalls.Add(1) })

	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, r.Tick(ctx))
	assert.Equal(t, int32(0), hookCalls.Load())

	require.NoError(t, leader.Unlock())
	assert.Equal(t, 1, r.Tick(ctx))
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestReaperRun_StopsOnCancel(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Create(ctx, CreateRequest{ChatID: "1"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	r, err := NewReaper(q, 10*time.Millisecond, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "")
		return err == nil && stats.Available == 1 && stats.Leased == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
	assert.False(t, r.fileLock.Held())
}
