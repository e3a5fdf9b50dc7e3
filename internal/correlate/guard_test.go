package correlate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestGuardToleranceBoundary(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Unix(1_724_400_000, 0))
	g := NewTimestampGuard("", 0, 0, clock)
	defer g.Close()

	now := clock.Now().Unix()
	tests := []struct {
		name   string
		sensor int64
		want   bool
	}{
		{"in the past", now - 3600, true},
		{"exactly now", now, true},
		{"at the tolerance edge", now + 30, true},
		{"one second past tolerance", now + 31, false},
		{"far future", now + 86400, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := testReading(1, tt.sensor, 20.0)
			require.Equal(t, tt.want, g.Check(r, "ANZ"))
		})
	}
}

func TestGuardWritesAuditRecord(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Unix(1_724_400_000, 0))
	path := filepath.Join(t.TempDir(), "future_timestamps.log")
	g := NewTimestampGuard(path, 0, 0, clock)
	defer g.Close()

	r := testReading(0xa1b2c3d4, clock.Now().Unix()+120, 20.0)
	require.False(t, g.Check(r, "ANZ"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "!a1b2c3d4")
	require.Contains(t, string(data), "\"region\":\"ANZ\"")
	require.Contains(t, string(data), "\"delta_seconds\":120")
}

func TestGuardAcceptedReadingsNotLogged(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Unix(1_724_400_000, 0))
	path := filepath.Join(t.TempDir(), "future_timestamps.log")
	g := NewTimestampGuard(path, 0, 0, clock)
	defer g.Close()

	require.True(t, g.Check(testReading(1, clock.Now().Unix(), 20.0), "ANZ"))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
