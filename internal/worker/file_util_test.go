package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 23, 59, 58, 0, time.UTC)

func TestTimeCache_UTCPartitions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	tc := NewTimeCache(clock)

	assert.Equal(t, t0.Unix(), tc.Unix())
	assert.Equal(t, "2025-03-01", tc.DT())
	assert.Equal(t, "23", tc.HR())

	clock.Advance(3 * time.Second)
	tc.Refresh()
	assert.Equal(t, "2025-03-02", tc.DT())
	assert.Equal(t, "00", tc.HR())
}

func TestTimeCache_StartRefreshesOnTick(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	tc := NewTimeCache(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tc.Start(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		return tc.Unix() == t0.Add(time.Second).Unix()
	}, time.Second, 5*time.Millisecond)
}

func TestKeyBuilder(t *testing.T) {
	tc := NewTimeCache(clockwork.NewFakeClockAt(t0))
	kb := newKeyBuilder(tc, "syncmon-1")

	first := kb.filename()
	second := kb.filename()

	assert.Equal(t, "1740873598_syncmon-1_000001.jsonl.gz", first)
	assert.Equal(t, "1740873598_syncmon-1_000002.jsonl.gz", second)
	assert.Less(t, first, second)

	assert.Equal(t, "raw/dt=2025-03-01/hr=23/"+first, kb.key("raw/", first))
	assert.True(t, strings.HasPrefix(kb.key("raw_dlq", first), "raw_dlq/dt="))
}

func TestUnixFromFilename(t *testing.T) {
	tests := []struct {
		name string
		want int64
		ok   bool
	}{
		{"1740873598_syncmon-1_000001.jsonl.gz", 1740873598, true},
		{"_syncmon_1.jsonl.gz", 0, false},
		{"abc_syncmon_1.jsonl.gz", 0, false},
		{"nounderscore", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := unixFromFilename(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
