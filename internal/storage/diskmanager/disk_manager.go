package diskmanager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	storageerrors "github.com/devrev/bboxkv/internal/errors"
)

// StatFunc reports total and available bytes of the filesystem holding dir.
type StatFunc func(dir string) (total, available uint64, err error)

// Statfs is the StatFunc backed by statfs(2).
func Statfs(dir string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}

// DiskManager monitors the storage roots and gates segment writes.
type DiskManager struct {
	logger        *zap.Logger
	stat          StatFunc
	checkInterval time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu    sync.Mutex
	roots map[string]*rootState
}

type rootState struct {
	lastCheck       time.Time
	usagePercent    float64
	usedBytes       uint64
	availableBytes  uint64
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	Directories             []string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	Stat                    StatFunc
}

// DefaultConfig derives thresholds from the configured maximum usage
// fraction: throttling starts five points below it.
func DefaultConfig(dirs []string, maxUsage float64, interval time.Duration) *DiskManagerConfig {
	breaker := maxUsage * 100
	return &DiskManagerConfig{
		Directories:             dirs,
		CheckInterval:           interval,
		WarningThreshold:        breaker - 10,
		ThrottleThreshold:       breaker - 5,
		CircuitBreakerThreshold: breaker,
	}
}

// NewDiskManager creates a disk manager for every configured directory.
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if len(cfg.Directories) == 0 {
		return nil, fmt.Errorf("at least one storage directory is required")
	}
	stat := cfg.Stat
	if stat == nil {
		stat = Statfs
	}
	dm := &DiskManager{
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		roots:                   make(map[string]*rootState, len(cfg.Directories)),
	}
	for _, dir := range cfg.Directories {
		dm.roots[dir] = &rootState{}
		if err := dm.refreshLocked(dir); err != nil {
			logger.Warn("Initial disk space check failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	return dm, nil
}

// CheckBeforeWrite returns a storage error when estimatedBytes should not be
// written below dir. Unknown directories are always admitted.
func (dm *DiskManager) CheckBeforeWrite(dir string, estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	st, ok := dm.roots[dir]
	if !ok {
		return nil
	}
	if time.Since(st.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(dir); err != nil {
			dm.logger.Warn("Disk space check failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	switch {
	case st.isCircuitBroken:
		return storageerrors.DiskFull(st.usagePercent, st.availableBytes)
	case st.isThrottled && estimatedBytes > st.availableBytes/10:
		return storageerrors.DiskThrottled(st.usagePercent)
	case estimatedBytes > st.availableBytes:
		return storageerrors.DiskFull(st.usagePercent, st.availableBytes)
	}
	return nil
}

// refreshLocked re-reads usage of dir. Must be called with mu held.
func (dm *DiskManager) refreshLocked(dir string) error {
	st := dm.roots[dir]
	total, available, err := dm.stat(dir)
	if err != nil {
		return err
	}
	used := total - available
	var usagePercent float64
	if total > 0 {
		usagePercent = float64(used) / float64(total) * 100.0
	}

	previouslyThrottled := st.isThrottled
	previouslyBroken := st.isCircuitBroken

	st.usagePercent = usagePercent
	st.usedBytes = used
	st.availableBytes = available
	st.lastCheck = time.Now()
	st.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	st.isThrottled = usagePercent >= dm.throttleThreshold && !st.isCircuitBroken

	fields := []zap.Field{
		zap.String("dir", dir),
		zap.Float64("usage_percent", usagePercent),
		zap.Uint64("available_bytes", available),
	}
	switch {
	case st.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED", fields...)
	case !st.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED", fields...)
	case st.isThrottled && !previouslyThrottled:
		dm.logger.Warn("Disk write throttling ENABLED", fields...)
	case !st.isThrottled && previouslyThrottled:
		dm.logger.Info("Disk write throttling DISABLED", fields...)
	case usagePercent >= dm.warningThreshold && !st.isThrottled && !st.isCircuitBroken:
		dm.logger.Warn("Disk usage warning", fields...)
	}
	return nil
}

// GetDiskUsage returns cached statistics of every root.
func (dm *DiskManager) GetDiskUsage() map[string]DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	out := make(map[string]DiskUsageStats, len(dm.roots))
	for dir, st := range dm.roots {
		if time.Since(st.lastCheck) > dm.checkInterval {
			if err := dm.refreshLocked(dir); err != nil {
				dm.logger.Warn("Disk space check failed", zap.String("dir", dir), zap.Error(err))
			}
		}
		out[dir] = DiskUsageStats{
			UsagePercent:    st.usagePercent,
			UsedBytes:       st.usedBytes,
			AvailableBytes:  st.availableBytes,
			IsThrottled:     st.isThrottled,
			IsCircuitBroken: st.isCircuitBroken,
			LastCheck:       st.lastCheck,
		}
	}
	return out
}

// ForceCheck re-reads usage of every root.
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for dir := range dm.roots {
		if err := dm.refreshLocked(dir); err != nil {
			return err
		}
	}
	return nil
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	UsedBytes       uint64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}
