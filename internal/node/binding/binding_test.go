package binding

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AddGetRemove(t *testing.T) {
	t.Parallel()

	table := NewTable()
	b := Binding{VolumeID: "vol-1", PodNamespace: "default", PodName: "web", CertificateID: "default-web-vol-1"}

	require.NoError(t, table.Add(b))
	assert.ErrorIs(t, table.Add(b), ErrExists)
	assert.Error(t, table.Add(Binding{}))

	got, ok := table.Get("vol-1")
	require.True(t, ok)
	assert.Equal(t, b, got)
	assert.Equal(t, 1, table.Len())

	removed, ok := table.Remove("vol-1")
	assert.True(t, ok)
	assert.Equal(t, b, removed)

	_, ok = table.Remove("vol-1")
	assert.False(t, ok)
	_, ok = table.Get("vol-1")
	assert.False(t, ok)
	assert.Zero(t, table.Len())
}

func TestTable_Update(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.NoError(t, table.Add(Binding{VolumeID: "vol-1"}))

	nb := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	na := nb.Add(24 * time.Hour)
	require.NoError(t, table.Update("vol-1", nb, na))

	got, _ := table.Get("vol-1")
	assert.Equal(t, nb, got.NotBefore)
	assert.Equal(t, na, got.NotAfter)

	assert.ErrorIs(t, table.Update("missing", nb, na), ErrNotFound)
}

func TestTable_ListSnapshot(t *testing.T) {
	t.Parallel()

	table := NewTable()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, table.Add(Binding{VolumeID: id}))
	}

	list := table.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].VolumeID)
	assert.Equal(t, "c", list[2].VolumeID)

	table.Remove("a")
	assert.Len(t, list, 3, "snapshot is not affected by later removals")
}

func TestTable_Concurrent(t *testing.T) {
	t.Parallel()

	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("vol-%d", i)
			assert.NoError(t, table.Add(Binding{VolumeID: id}))
			_ = table.List()
			if i%2 == 0 {
				table.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, table.Len())
}

func TestBinding_RemainingFraction(t *testing.T) {
	t.Parallel()

	nb := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := Binding{NotBefore: nb, NotAfter: nb.Add(100 * time.Hour)}

	tests := []struct {
		name string
		now  time.Time
		want float64
	}{
		{name: "start", now: nb, want: 1},
		{name: "eighty percent elapsed", now: nb.Add(80 * time.Hour), want: 0.2},
		{name: "expired", now: nb.Add(110 * time.Hour), want: -0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, b.RemainingFraction(tt.now), 1e-9)
		})
	}

	assert.Zero(t, Binding{}.RemainingFraction(nb))
}

func TestTable_LockVolume(t *testing.T) {
	t.Parallel()

	table := NewTable()
	unlock, err := table.LockVolume(context.Background(), "vol-1")
	require.NoError(t, err)

	other, err := table.LockVolume(context.Background(), "vol-2")
	require.NoError(t, err, "distinct volumes do not contend")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = table.LockVolume(ctx, "vol-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		release, err := table.LockVolume(context.Background(), "vol-1")
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}
