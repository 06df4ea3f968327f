package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(channel string) *Session {
	return &Session{ChannelID: channel, Stage: AwaitingRating}
}

func TestReserveCommitGetRemove(t *testing.T) {
	reg := NewRegistry(NewMemorySequence(41), nil, nil)
	ctx := context.Background()

	res, err := reg.Reserve(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.RecordID)

	s := newSession("chan-1")
	require.NoError(t, res.Commit(s))
	assert.Equal(t, int64(42), s.RecordID)
	assert.Equal(t, "owner-1", s.OwnerID)

	got, ok := reg.Get("chan-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	ch, ok := reg.ChannelOf("owner-1")
	require.True(t, ok)
	assert.Equal(t, "chan-1", ch)

	removed, ok := reg.Remove("chan-1")
	require.True(t, ok)
	assert.Same(t, s, removed)
	assert.True(t, reg.Tombstoned("chan-1"))
	_, ok = reg.Get("chan-1")
	assert.False(t, ok)

	_, err = reg.Reserve(ctx, "owner-1")
	assert.NoError(t, err, "owner must be free again after removal")
}

func TestReserveRejectsDuplicateOwner(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	ctx := context.Background()

	res, err := reg.Reserve(ctx, "owner-1")
	require.NoError(t, err)
	_, err = reg.Reserve(ctx, "owner-1")
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, res.Commit(newSession("chan-1")))
	_, err = reg.Reserve(ctx, "owner-1")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCancelFreesOwnerAndIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	ctx := context.Background()

	res, err := reg.Reserve(ctx, "owner-1")
	require.NoError(t, err)
	res.Cancel()
	res.Cancel()
	assert.ErrorIs(t, res.Commit(newSession("chan-1")), ErrReservationSpent)

	next, err := reg.Reserve(ctx, "owner-1")
	require.NoError(t, err)
	assert.Greater(t, next.RecordID, res.RecordID, "record ids are never reused")
}

func TestConcurrentReserveAdmitsOne(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Reserve(ctx, "owner-1"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestCommitRejectsTakenChannel(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	ctx := context.Background()

	a, err := reg.Reserve(ctx, "owner-a")
	require.NoError(t, err)
	require.NoError(t, a.Commit(newSession("chan-1")))

	b, err := reg.Reserve(ctx, "owner-b")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Commit(newSession("chan-1")), ErrChannelTaken)
	b.Cancel()
}

func TestLiveOrderedByRecordID(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := reg.Reserve(ctx, fmt.Sprintf("owner-%d", i))
		require.NoError(t, err)
		require.NoError(t, res.Commit(newSession(fmt.Sprintf("chan-%d", i))))
	}
	live := reg.Live()
	require.Len(t, live, 3)
	for i := 1; i < len(live); i++ {
		assert.Less(t, live[i-1].RecordID, live[i].RecordID)
	}
	assert.Equal(t, 3, reg.Len())
}

func TestPruneTombstones(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	res, err := reg.Reserve(context.Background(), "owner-1")
	require.NoError(t, err)
	require.NoError(t, res.Commit(newSession("chan-1")))
	reg.Remove("chan-1")

	assert.Equal(t, 0, reg.PruneTombstones(time.Hour))
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, reg.PruneTombstones(time.Hour))
	assert.False(t, reg.Tombstoned("chan-1"))
}

type failingSequence struct{}

func (failingSequence) Next(context.Context) (int64, error) { return 0, errors.New("boom") }

func TestReserveReleasesOwnerOnSequenceFailure(t *testing.T) {
	reg := NewRegistry(failingSequence{}, nil, nil)
	_, err := reg.Reserve(context.Background(), "owner-1")
	require.Error(t, err)

	reg.seq = NewMemorySequence(0)
	_, err = reg.Reserve(context.Background(), "owner-1")
	assert.NoError(t, err)
}

func TestSnapshotsSkipUnpublished(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	ctx := context.Background()

	for i, ch := range []string{"a", "b"} {
		res, err := reg.Reserve(ctx, fmt.Sprintf("owner-%d", i))
		require.NoError(t, err)
		s := newSession(ch)
		require.NoError(t, res.Commit(s))
		if ch == "a" {
			s.Lock()
			s.Stage = AwaitingColor
			s.Publish()
			s.Unlock()
		}
	}

	snaps := reg.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "a", snaps[0].ChannelID)
	assert.Equal(t, AwaitingColor, snaps[0].Stage)
	assert.Equal(t, "owner-0", snaps[0].OwnerID)
	assert.Equal(t, 0, snaps[0].Plies)
}
