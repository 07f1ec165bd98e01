package diskmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageerrors "github.com/devrev/bboxkv/internal/errors"
)

func fixedStat(total, available uint64) StatFunc {
	return func(string) (uint64, uint64, error) { return total, available, nil }
}

func TestCheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		write     uint64
		code      storageerrors.ErrorCode
	}{
		{"plenty of space", 900, 10, 0},
		{"throttled small write", 80, 5, 0},
		{"throttled large write", 80, 50, storageerrors.ErrCodeDiskThrottled},
		{"circuit broken", 20, 1, storageerrors.ErrCodeDiskFull},
		{"does not fit", 500, 600, storageerrors.ErrCodeDiskFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig([]string{"/data"}, 0.95, 0)
			cfg.Stat = fixedStat(1000, tt.available)
			cfg.CheckInterval = 1 << 62
			dm, err := NewDiskManager(cfg, zap.NewNop())
			require.NoError(t, err)

			err = dm.CheckBeforeWrite("/data", tt.write)
			if tt.code == 0 {
				assert.NoError(t, err)
				return
			}
			assert.True(t, storageerrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestUnknownDirectoryIsAdmitted(t *testing.T) {
	cfg := DefaultConfig([]string{"/data"}, 0.9, 0)
	cfg.Stat = fixedStat(100, 0)
	dm, err := NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Error(t, dm.CheckBeforeWrite("/data", 1))
	assert.NoError(t, dm.CheckBeforeWrite("/elsewhere", 1))
}

func TestGetDiskUsageOfRealDirectory(t *testing.T) {
	dir := t.TempDir()
	dm, err := NewDiskManager(DefaultConfig([]string{dir}, 0.99, 0), zap.NewNop())
	require.NoError(t, err)

	stats := dm.GetDiskUsage()
	require.Contains(t, stats, dir)
	assert.Greater(t, stats[dir].AvailableBytes, uint64(0))
	assert.NoError(t, dm.ForceCheck())
}
