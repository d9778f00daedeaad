// Package health exposes liveness/readiness HTTP probes for a replica
// running the insert sink.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/coldb/internal/model"
)

// SessionChecker reports whether this replica currently holds a live
// coordinator session; readiness tracks it directly since the insert
// path requires a live session before any insert is attempted.
type SessionChecker interface {
	SessionAlive() bool
}

// Checker periodically runs health checks and serves liveness/readiness
// over HTTP for use by an external orchestrator.
type Checker struct {
	nodeID  string
	dataDir string
	session SessionChecker
	logger  *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult is the outcome of a single named health check.
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// Config configures a Checker.
type Config struct {
	NodeID  string
	DataDir string
	Session SessionChecker
}

// New creates a Checker; logger may be zap.NewNop() in tests.
func New(cfg Config, logger *zap.Logger) *Checker {
	return &Checker{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		session:     cfg.Session,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Run blocks, running checks every interval until ctx is done.
func (h *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.runChecks()
	for {
		select {
		case <-ticker.C:
			h.runChecks()
		case <-ctx.Done():
			h.logger.Info("health checker stopped")
			return
		}
	}
}

func (h *Checker) runChecks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()

	results := []CheckResult{h.checkDiskSpace(), h.checkDataDirAccessible(), h.checkCoordinatorSession()}

	allHealthy, allReady := true, true
	for _, r := range results {
		h.checks[r.Name] = r
		if r.Status != "healthy" {
			allHealthy = false
			if r.Status == "critical" {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}

	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

func (h *Checker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return CheckResult{Name: "disk_space", Status: "critical", Message: err.Error(), Timestamp: time.Now()}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	used := total - stat.Bfree*uint64(stat.Bsize)
	if total == 0 {
		return CheckResult{Name: "disk_space", Status: "healthy", Message: "empty filesystem", Timestamp: time.Now()}
	}
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return CheckResult{Name: "disk_space", Status: "critical", Message: "disk usage critical", Timestamp: time.Now()}
	case usagePercent > 90:
		return CheckResult{Name: "disk_space", Status: "warning", Message: "disk usage high", Timestamp: time.Now()}
	default:
		return CheckResult{Name: "disk_space", Status: "healthy", Timestamp: time.Now()}
	}
}

func (h *Checker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "data_dir_accessible", Status: "critical", Message: "temp part directory not accessible", Timestamp: time.Now()}
	}
	return CheckResult{Name: "data_dir_accessible", Status: "healthy", Timestamp: time.Now()}
}

func (h *Checker) checkCoordinatorSession() CheckResult {
	if h.session == nil || h.session.SessionAlive() {
		return CheckResult{Name: "coordinator_session", Status: "healthy", Timestamp: time.Now()}
	}
	return CheckResult{Name: "coordinator_session", Status: "critical", Message: "no live coordinator session", Timestamp: time.Now()}
}

func (h *Checker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

func (h *Checker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

func (h *Checker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

func (h *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{"healthy": live})
}

func (h *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{"ready": ready})
}

// StatusHandler serves the full check breakdown, for operators
// diagnosing a degraded node rather than an orchestrator's probe.
func (h *Checker) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c.Status
	}
	snapshot := model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Checks:    checks,
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// Mux builds the HTTP handler serving both probes plus the status
// breakdown, for a caller to attach to its own server (see
// cmd/coldb-ingest).
func (h *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)
	mux.HandleFunc("/health/status", h.StatusHandler)
	return mux
}
