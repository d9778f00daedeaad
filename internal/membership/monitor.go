// Package membership wraps memberlist into an informational liveness
// feed: gauges and logs for operators, never a source of truth for the
// quorum precondition. The authoritative alive-replica count always
// comes from the coordinator's is_active ephemeral nodes (see
// internal/insert/quorum.go); memberlist's gossip view can lag or
// diverge under partition and must never gate a commit decision.
package membership

import (
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config configures the gossip-based membership monitor.
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// AliveGauge is the subset of metrics.Metrics the monitor updates;
// expressed as an interface so membership does not import metrics
// directly.
type AliveGauge interface {
	Set(count float64)
}

// Monitor publishes cluster size as seen by gossip. It never answers
// quorum questions.
type Monitor struct {
	ml     *memberlist.Memberlist
	nodeID string
	logger *zap.Logger
	gauge  AliveGauge
}

// New creates and joins a Monitor. If cfg.Enabled is false, New returns
// a Monitor with a nil memberlist that answers AliveCount() as 0 and
// Members() as empty — useful for single-process deployments where
// gossip is pointless.
func New(cfg Config, nodeID string, logger *zap.Logger, gauge AliveGauge) (*Monitor, error) {
	m := &Monitor{nodeID: nodeID, logger: logger, gauge: gauge}
	if !cfg.Enabled {
		return m, nil
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Events = &eventDelegate{monitor: m}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}
	m.publish()
	return m, nil
}

// AliveCount reports gossip's current view of cluster size, including
// this node. Informational only.
func (m *Monitor) AliveCount() int {
	if m.ml == nil {
		return 0
	}
	return m.ml.NumMembers()
}

// Members lists the names gossip currently believes are alive.
func (m *Monitor) Members() []string {
	if m.ml == nil {
		return nil
	}
	nodes := m.ml.Members()
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

func (m *Monitor) publish() {
	if m.gauge != nil {
		m.gauge.Set(float64(m.AliveCount()))
	}
}

// Shutdown leaves the cluster and releases gossip resources.
func (m *Monitor) Shutdown() error {
	if m.ml == nil {
		return nil
	}
	return m.ml.Shutdown()
}

type eventDelegate struct {
	monitor *Monitor
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.monitor.logger.Info("member joined", zap.String("node_id", node.Name), zap.String("addr", node.Addr.String()))
	d.monitor.publish()
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.monitor.logger.Info("member left", zap.String("node_id", node.Name))
	d.monitor.publish()
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.monitor.logger.Debug("member updated", zap.String("node_id", node.Name))
}
