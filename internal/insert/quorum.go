package insert

import (
	"context"
	"fmt"

	"github.com/devrev/coldb/internal/coordinator"
	"github.com/devrev/coldb/internal/errors"
)

// quorumInfo is what the precondition check hands to the commit
// engine: whether quorum is enabled and at what size, plus the
// versions of this replica's own is_active/host nodes captured at
// check time (used for the version-check ops in the commit
// transaction, so a concurrent change to either invalidates the
// commit instead of silently racing).
type quorumInfo struct {
	Enabled         bool
	Required        int
	ReplicasNum     int
	Alive           int
	IsActiveVersion int64
	HostVersion     int64
}

// resolveRequired turns the configured quorum value into a concrete
// size and an enabled bit. A required size of 1, whether configured
// explicitly or resolved from majority on a 1-replica cluster, means
// quorum is disabled.
func resolveRequired(configured, replicasNum int) (required int, enabled bool) {
	switch {
	case configured == 0:
		return 0, false
	case configured == QuorumMajority:
		required = replicasNum/2 + 1
	default:
		required = configured
	}
	if required <= 1 {
		return 0, false
	}
	return required, true
}

// checkQuorum verifies enough replicas are currently live before an
// insert is allowed to proceed.
func checkQuorum(ctx context.Context, client coordinator.Client, paths coordinator.Paths, replicaID string, configuredQuorum int, parallel bool) (quorumInfo, error) {
	children, err := client.GetChildren(ctx, paths.Replicas())
	if err != nil {
		return quorumInfo{}, fmt.Errorf("listing replicas: %w", err)
	}
	replicasNum := len(children)

	var otherPaths []string
	for _, r := range children {
		if r == replicaID {
			continue
		}
		otherPaths = append(otherPaths, paths.IsActive(r))
	}
	aliveFlags, err := client.ExistsBatch(ctx, otherPaths)
	if err != nil {
		return quorumInfo{}, fmt.Errorf("checking replica liveness: %w", err)
	}
	alive := 1 // self counts as alive if it reaches this point
	for _, ok := range aliveFlags {
		if ok {
			alive++
		}
	}

	_, isActiveStat, err := client.Get(ctx, paths.IsActive(replicaID))
	if err != nil && err != coordinator.ErrNoNode {
		return quorumInfo{}, fmt.Errorf("reading self is_active: %w", err)
	}
	_, hostStat, err := client.Get(ctx, paths.Host(replicaID))
	if err != nil && err != coordinator.ErrNoNode {
		return quorumInfo{}, fmt.Errorf("reading self host: %w", err)
	}

	required, enabled := resolveRequired(configuredQuorum, replicasNum)

	if enabled && alive < required {
		return quorumInfo{}, errors.TooFewLiveReplicas(alive, required)
	}

	if enabled && !parallel {
		exists, _, err := client.Exists(ctx, paths.QuorumStatus())
		if err != nil {
			return quorumInfo{}, fmt.Errorf("checking quorum status: %w", err)
		}
		if exists {
			return quorumInfo{}, errors.UnsatisfiedPreviousQuorum("a non-parallel quorum write is already in flight")
		}
	}

	if isActiveStat == nil || hostStat == nil {
		return quorumInfo{}, errors.Readonly("replica is not registered as active")
	}

	return quorumInfo{
		Enabled:         enabled,
		Required:        required,
		ReplicasNum:     replicasNum,
		Alive:           alive,
		IsActiveVersion: isActiveStat.Version,
		HostVersion:     hostStat.Version,
	}, nil
}
