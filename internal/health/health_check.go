package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/diskmanager"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// CoordinatorPinger is the slice of the coordinator the checker probes.
type CoordinatorPinger interface {
	ListDistributionGroups(ctx context.Context) ([]string, error)
}

// HealthChecker performs health checks for the node
type HealthChecker struct {
	config *HealthCheckConfig
	disk   *diskmanager.DiskManager
	coord  CoordinatorPinger
	m      *metrics.Metrics
	logger *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	checksOK    bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID      string
	Directories []string
	Interval    time.Duration
	// CoordinatorTimeout bounds the coordinator probe.
	CoordinatorTimeout time.Duration
}

// NewHealthChecker creates a new health checker. disk and coord may be nil,
// which skips their checks. The node is not ready until SetReadiness(true).
func NewHealthChecker(cfg *HealthCheckConfig, disk *diskmanager.DiskManager, coord CoordinatorPinger, m *metrics.Metrics, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		config:     cfg,
		disk:       disk,
		coord:      coord,
		m:          m,
		logger:     logger,
		checks:     make(map[string]CheckResult),
		livenessOK: true,
		checksOK:   true,
		status:     model.NodeStatusHealthy,
	}
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	interval := h.config.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all checks once and updates the overall status.
func (h *HealthChecker) RunChecks(ctx context.Context) {
	var results []CheckResult
	for _, dir := range h.config.Directories {
		results = append(results, h.checkDataDirAccessible(dir))
	}
	if h.disk != nil {
		results = append(results, h.checkDiskSpace())
	}
	results = append(results, h.checkFileDescriptors())
	if h.coord != nil {
		results = append(results, h.checkCoordinator(ctx))
	}

	allHealthy, allReady := true, true
	for _, r := range results {
		if r.Status != statusHealthy {
			allHealthy = false
			if r.Status == statusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now()
	h.checks = make(map[string]CheckResult, len(results))
	for _, r := range results {
		h.checks[r.Name] = r
	}
	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.livenessOK = true
	h.checksOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK && h.checksOK))
}

func result(name, status, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: status, Message: fmt.Sprintf(format, args...), Timestamp: time.Now()}
}

// checkDiskSpace reads the usage of every root from the disk manager
func (h *HealthChecker) checkDiskSpace() CheckResult {
	usage := h.disk.GetDiskUsage()
	dirs := make([]string, 0, len(usage))
	for dir := range usage {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	status := statusHealthy
	var worst float64
	var used, available uint64
	for _, dir := range dirs {
		st := usage[dir]
		used += st.UsedBytes
		available += st.AvailableBytes
		worst = max(worst, st.UsagePercent)
		switch {
		case st.IsCircuitBroken:
			status = statusCritical
		case st.IsThrottled && status == statusHealthy:
			status = statusWarning
		}
	}
	h.m.UpdateDiskStats(used, available, worst)

	if status != statusHealthy {
		return result("disk_space", status, "Disk usage high: %.2f%%", worst)
	}
	return result("disk_space", status, "Disk usage: %.2f%%, available: %.2f GB",
		worst, float64(available)/1024/1024/1024)
}

// checkDataDirAccessible checks that a storage root is a writable directory
func (h *HealthChecker) checkDataDirAccessible(dir string) CheckResult {
	name := "data_dir:" + dir
	info, err := os.Stat(dir)
	if err != nil {
		return result(name, statusCritical, "Data directory not accessible: %v", err)
	}
	if !info.IsDir() {
		return result(name, statusCritical, "Data path is not a directory")
	}

	f, err := os.CreateTemp(dir, ".health_check_*")
	if err != nil {
		return result(name, statusCritical, "Cannot write to data directory: %v", err)
	}
	f.Close()
	os.Remove(f.Name())
	return result(name, statusHealthy, "Data directory is accessible and writable")
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", statusWarning, "Failed to get rlimit: %v", err)
	}

	// Linux only; other platforms report the limits.
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return result("file_descriptors", statusHealthy, "Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max)
	}
	open := uint64(len(entries))
	usagePercent := float64(open) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return result("file_descriptors", statusWarning,
			"File descriptor usage high: %.2f%% (%d/%d)", usagePercent, open, rlimit.Cur)
	}
	return result("file_descriptors", statusHealthy,
		"File descriptor usage: %.2f%% (%d/%d)", usagePercent, open, rlimit.Cur)
}

// checkCoordinator probes the metadata store. Losing it degrades the node,
// which keeps serving local reads and writes.
func (h *HealthChecker) checkCoordinator(ctx context.Context) CheckResult {
	timeout := h.config.CoordinatorTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := h.coord.ListDistributionGroups(ctx); err != nil {
		return result("coordinator", statusWarning, "Coordinator unreachable: %v", err)
	}
	return result("coordinator", statusHealthy, "Coordinator reachable")
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node has finished recovery and no check is
// critical (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && h.checksOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return model.HealthStatus{
		NodeID:    h.config.NodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetLiveness manually sets liveness status
func (h *HealthChecker) SetLiveness(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessOK = live
}

// SetReadiness marks the node ready after recovery, or not ready during
// shutdown
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  h.GetStatus().Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": h.GetStatus().Status,
		"checks": h.GetChecks(),
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
