package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDedupCache(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		window  time.Duration
		wantErr bool
	}{
		{name: "valid", size: 16, window: time.Minute},
		{name: "zero window", size: 16, window: 0, wantErr: true},
		{name: "negative window", size: 16, window: -time.Second, wantErr: true},
		{name: "zero size", size: 0, window: time.Minute, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewDedupCache(tt.size, tt.window)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, c)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.window, c.Window())
		})
	}
}

func TestDedupCacheCheckAndInsert(t *testing.T) {
	c, err := NewDedupCache(16, time.Minute)
	require.NoError(t, err)

	assert.False(t, c.CheckAndInsert("a"), "first sighting is new")
	assert.True(t, c.CheckAndInsert("a"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndInsert("b"))
	assert.Equal(t, 2, c.Len())
}

func TestDedupCacheExpiry(t *testing.T) {
	c, err := NewDedupCache(16, 50*time.Millisecond)
	require.NoError(t, err)

	require.False(t, c.CheckAndInsert("a"))
	require.True(t, c.CheckAndInsert("a"))

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "entry should expire after the window")

	assert.False(t, c.CheckAndInsert("a"), "an expired id is delivered again")
}

func TestDedupCacheEvictsOldestWhenFull(t *testing.T) {
	c, err := NewDedupCache(2, time.Minute)
	require.NoError(t, err)

	c.CheckAndInsert("a")
	c.CheckAndInsert("b")
	c.CheckAndInsert("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.CheckAndInsert("a"), "oldest entry was evicted")
}

func BenchmarkDedupCache(b *testing.B) {
	c, err := NewDedupCache(4096, time.Minute)
	require.NoError(b, err)

	ids := make([]MessageID, 8192)
	for i := range ids {
		ids[i] = MessageID(fmt.Sprintf("%x", i))
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		c.CheckAndInsert(ids[i%len(ids)])
	}
}
