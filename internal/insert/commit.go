package insert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/coldb/internal/coordinator"
	"github.com/devrev/coldb/internal/errors"
	"github.com/devrev/coldb/internal/model"
)

const maxSyncCollisionRetries = 10

// commitOne drives one produced (temp part, block ids) pair through
// allocation, local rename, and transactional registration. For sync
// mode, len(ids) == 1 and a block-id
// collision is retried internally up to maxSyncCollisionRetries before
// failing as DuplicateDataPart. For async mode, a collision is returned
// to the caller as conflictIDs so the dedup conflict-resolution loop
// can drop those sub-blocks and resubmit.
func (s *Sink) commitOne(ctx context.Context, mode Mode, part model.TempPart, ids []string, qinfo quorumInfo) (CommitResult, map[string]bool, error) {
	state := statePrepare
	logFailure := func(err error) {
		s.logger.Debug("commit attempt failed", zap.String("partition_id", part.PartitionID), zap.Stringer("attempt_state", state), zap.Error(err))
	}

	if mode == ModeSync {
		existing, existingName, err := s.checkExistingID(ctx, s.blockPath(mode, ids[0]))
		if err != nil {
			logFailure(err)
			return CommitResult{}, nil, err
		}
		if existing {
			return s.adoptExisting(ctx, part, existingName, qinfo)
		}
	}

	for attempt := 0; ; attempt++ {
		state = stateAllocate
		blockNumber, blockNumberLockPath, conflictIdx, err := s.allocate(ctx, part.PartitionID, mode, ids)
		if err != nil {
			logFailure(err)
			return CommitResult{}, nil, err
		}
		if conflictIdx >= 0 {
			if mode == ModeAsync {
				return CommitResult{}, map[string]bool{ids[conflictIdx]: true}, nil
			}
			if attempt >= maxSyncCollisionRetries {
				err := errors.DuplicateDataPart(part.PartitionID)
				logFailure(err)
				return CommitResult{}, nil, err
			}
			// Collide: re-read the guard and adopt the part it names once
			// the winning commit has recorded one; otherwise allocate again.
			existing, existingName, err := s.checkExistingID(ctx, s.blockPath(mode, ids[0]))
			if err != nil {
				logFailure(err)
				return CommitResult{}, nil, err
			}
			if existing {
				return s.adoptExisting(ctx, part, existingName, qinfo)
			}
			continue
		}

		partName := model.PartName{
			PartitionID: part.PartitionID,
			MinBlock:    blockNumber,
			MaxBlock:    blockNumber,
		}.String()

		state = stateLocalRename
		if err := s.renamePart(&part, partName); err != nil {
			logFailure(err)
			return CommitResult{}, nil, err
		}

		state = stateAssemble
		result, err := s.assembleAndSubmit(ctx, mode, part, partName, ids, blockNumberLockPath, qinfo)
		if err != nil {
			logFailure(err)
			return CommitResult{}, nil, err
		}
		state = stateDone
		return result, nil, nil
	}
}

// blockPath returns the coordinator path for a single block id, chosen
// by mode.
func (s *Sink) blockPath(mode Mode, id string) string {
	if mode == ModeAsync {
		return s.paths.AsyncBlock(id)
	}
	return s.paths.Block(id)
}

// checkExistingID is the sync-only pre-allocation check: was this id
// already committed by someone else before we even started?
func (s *Sink) checkExistingID(ctx context.Context, blockPath string) (bool, string, error) {
	exists, _, err := s.client.Exists(ctx, blockPath)
	if err != nil {
		return false, "", fmt.Errorf("checking existing block id: %w", err)
	}
	if !exists {
		return false, "", nil
	}
	data, err := s.client.TryGet(ctx, blockPath)
	if err != nil {
		return false, "", fmt.Errorf("reading existing block id: %w", err)
	}
	if len(data) == 0 {
		// The guard is allocated but its commit has not recorded a part
		// name yet; allocate's collision handling deals with it.
		return false, "", nil
	}
	return true, string(data), nil
}

// adoptExisting is the short-circuit for checkExistingID finding a
// match: the id existed before allocation started. If this replica already owns the
// covering part, report a duplicate (waiting for quorum on the existing
// name if configured); otherwise write the temp part under the
// existing name so this replica gains a local copy without allocating
// a new block number.
func (s *Sink) adoptExisting(ctx context.Context, part model.TempPart, existingName string, qinfo quorumInfo) (CommitResult, map[string]bool, error) {
	owned, _, err := s.client.Exists(ctx, s.paths.ReplicaPart(s.replicaID, existingName))
	if err != nil {
		return CommitResult{}, nil, fmt.Errorf("checking existing part ownership: %w", err)
	}
	if owned {
		if qinfo.Enabled {
			if err := s.waitQuorum(ctx, existingName); err != nil {
				return CommitResult{}, nil, err
			}
		}
		s.discardTempPart(part)
		return CommitResult{PartName: existingName, Duplicate: true}, nil, nil
	}

	if err := s.renamePart(&part, existingName); err != nil {
		return CommitResult{}, nil, err
	}
	_, err = s.client.Multi(ctx, []coordinator.Op{
		{Type: coordinator.OpCreatePersistent, Path: s.paths.ReplicaPart(s.replicaID, existingName)},
	})
	if err != nil {
		return CommitResult{}, nil, errors.UnexpectedCoordinatorError(err)
	}
	return CommitResult{PartName: existingName, Duplicate: false}, nil, nil
}

// allocate is a single transaction that creates the
// persistent-sequential block-number lock and every block-id guard
// simultaneously. conflictIdx is the index into ids of the first
// colliding guard, or -1 if allocation succeeded.
func (s *Sink) allocate(ctx context.Context, partitionID string, mode Mode, ids []string) (blockNumber int64, lockPath string, conflictIdx int, err error) {
	ops := make([]coordinator.Op, 0, 1+len(ids))
	ops = append(ops, coordinator.Op{Type: coordinator.OpCreatePersistentSequential, Path: s.paths.BlockNumberPrefix(partitionID)})
	for _, id := range ids {
		ops = append(ops, coordinator.Op{Type: coordinator.OpCreatePersistent, Path: s.blockPath(mode, id)})
	}

	results, err := s.client.Multi(ctx, ops)
	if err != nil {
		if multiErr, ok := err.(*coordinator.MultiError); ok {
			if multiErr.FailedIndex == 0 {
				return 0, "", -1, errors.LogicErrorf("block-number allocation node itself collided: %v", multiErr)
			}
			return 0, "", multiErr.FailedIndex - 1, nil
		}
		return 0, "", -1, errors.NoCoordinatorSession(err)
	}

	lockPath = results[0].SequentialName
	n, parseErr := parseSequentialSuffix(lockPath)
	if parseErr != nil {
		return 0, "", -1, errors.LogicErrorf("malformed sequential block number path %q: %v", lockPath, parseErr)
	}
	// Block numbers are 1-based: the partition's first sequential node
	// (suffix 0) is block 1.
	return n + 1, lockPath, -1, nil
}

func parseSequentialSuffix(path string) (int64, error) {
	idx := strings.LastIndex(path, "block-")
	if idx < 0 {
		return 0, fmt.Errorf("no block- prefix in %q", path)
	}
	return strconv.ParseInt(path[idx+len("block-"):], 10, 64)
}

// renamePart performs the local rename under the parts lock, into the
// active set. A rename failure because the destination already exists is
// treated as a benign duplicate, not an error, matching "if rename
// fails with part already exists ... treat as duplicate and skip."
func (s *Sink) renamePart(part *model.TempPart, partName string) error {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()

	dest := filepath.Join(s.dataDir, partName)
	if _, err := os.Stat(dest); err == nil {
		return nil // already renamed by a concurrent attempt; treat as duplicate, not an error
	}
	if err := os.Rename(part.Dir, dest); err != nil {
		return errors.UnexpectedCoordinatorError(fmt.Errorf("renaming temp part into active set: %w", err))
	}
	part.Dir = dest
	return nil
}

// revertRename moves a part back to a temporary name after a failed
// commit, per the outcome table's "rename part back to temporary".
func (s *Sink) revertRename(part model.TempPart) {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()
	tmp := filepath.Join(s.dataDir, "tmp_reverted_"+filepath.Base(part.Dir))
	if err := os.Rename(part.Dir, tmp); err != nil {
		s.logger.Warn("failed to revert part rename", zap.Error(err))
	}
}

func (s *Sink) discardTempPart(part model.TempPart) {
	if err := os.RemoveAll(part.Dir); err != nil {
		s.logger.Warn("failed to discard superseded temp part", zap.Error(err))
	}
}

// assembleAndSubmit builds and submits the second transaction (log
// entry, block-number unlock, optional quorum tracker, optional version
// checks, part registration, part name on each block-id guard) and
// interprets the outcome.
func (s *Sink) assembleAndSubmit(ctx context.Context, mode Mode, part model.TempPart, partName string, ids []string, blockNumberLockPath string, qinfo quorumInfo) (CommitResult, error) {
	entry := model.LogEntry{
		Type:          logEntryType(mode),
		CreateTime:    time.Now(),
		SourceReplica: s.replicaID,
		NewPartName:   partName,
		Quorum:        qinfo.Required,
		NewPartFormat: "coldb-part-v1",
		PartChecksum:  part.Checksum,
	}
	if mode == ModeSync {
		entry.BlockID = ids[0]
	}
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return CommitResult{}, errors.LogicErrorf("marshaling log entry: %v", err)
	}

	ops := []coordinator.Op{
		{Type: coordinator.OpCreatePersistentSequential, Path: s.paths.LogPrefix(), Data: entryBytes},
		{Type: coordinator.OpDelete, Path: blockNumberLockPath},
	}
	blockNumberUnlockIdx := 1
	quorumTrackerIdx := -1
	versionCheckIdx := -1

	if qinfo.Enabled {
		tracker := model.QuorumTracker{PartName: partName, Required: qinfo.Required, Replicas: []string{s.replicaID}}
		trackerBytes, err := json.Marshal(tracker)
		if err != nil {
			return CommitResult{}, errors.LogicErrorf("marshaling quorum tracker: %v", err)
		}
		quorumTrackerIdx = len(ops)
		ops = append(ops, coordinator.Op{Type: coordinator.OpCreatePersistent, Path: s.quorumTrackerPath(partName), Data: trackerBytes})

		versionCheckIdx = len(ops)
		ops = append(ops,
			coordinator.Op{Type: coordinator.OpCheckVersion, Path: s.paths.IsActive(s.replicaID), Version: qinfo.IsActiveVersion},
			coordinator.Op{Type: coordinator.OpCheckVersion, Path: s.paths.Host(s.replicaID), Version: qinfo.HostVersion},
		)
	}

	ops = append(ops, coordinator.Op{Type: coordinator.OpCreatePersistent, Path: s.paths.ReplicaPart(s.replicaID, partName)})
	for _, id := range ids {
		ops = append(ops, coordinator.Op{Type: coordinator.OpSetData, Path: s.blockPath(mode, id), Data: []byte(partName)})
	}

	_, err = s.client.Multi(ctx, ops)
	if err == nil {
		s.logger.Debug("committed part, scheduling merge selection", zap.String("part_name", partName))
		if qinfo.Enabled {
			if err := s.waitQuorum(ctx, partName); err != nil {
				return CommitResult{}, err
			}
		}
		return CommitResult{PartName: partName, Duplicate: false}, nil
	}

	multiErr, ok := err.(*coordinator.MultiError)
	if !ok {
		// Transport / hardware error: keep the local rename and check
		// right away whether our part registration landed.
		s.logger.Debug("commit attempt failed", zap.String("partition_id", part.PartitionID), zap.Stringer("attempt_state", stateSubmit), zap.Error(err))
		return s.recheckAfterUnknownStatus(ctx, part, partName)
	}

	switch multiErr.FailedIndex {
	case blockNumberUnlockIdx:
		s.revertRename(part)
		return CommitResult{}, errors.QueryWasCancelled("block-number lock vanished; a concurrent partition operation cancelled this insert")
	case quorumTrackerIdx:
		s.revertRename(part)
		return CommitResult{}, errors.UnsatisfiedPreviousQuorum("a quorum write for another insert started between our check and commit")
	case versionCheckIdx, versionCheckIdx + 1:
		s.revertRename(part)
		return CommitResult{}, errors.UnexpectedCoordinatorError(fmt.Errorf("replica's own is_active/host changed mid-commit: %w", multiErr))
	default:
		s.revertRename(part)
		return CommitResult{}, errors.UnexpectedCoordinatorError(multiErr)
	}
}

// recheckAfterUnknownStatus implements the "committed-locally-but-
// coordinator-unknown" resolution: look up whether our part
// registration is actually present despite the transport fault.
func (s *Sink) recheckAfterUnknownStatus(ctx context.Context, part model.TempPart, partName string) (CommitResult, error) {
	exists, _, err := s.client.Exists(ctx, s.paths.ReplicaPart(s.replicaID, partName))
	if err != nil {
		s.logger.Debug("commit attempt failed", zap.String("partition_id", part.PartitionID), zap.Stringer("attempt_state", stateRecheck), zap.Error(err))
		return CommitResult{}, errors.UnknownStatusOfInsert("coordinator unreachable during recheck", err)
	}
	if exists {
		return CommitResult{PartName: partName, Duplicate: false}, nil
	}
	return CommitResult{}, errors.UnknownStatusOfInsert(
		fmt.Sprintf("part %s was committed locally but its coordinator status could not be confirmed", partName), nil)
}

func (s *Sink) quorumTrackerPath(partName string) string {
	if s.quorumMode == QuorumParallel {
		return s.paths.QuorumParallel(partName)
	}
	return s.paths.QuorumStatus()
}

// waitQuorum blocks until the quorum tracker for partName reports
// enough replicas have the part, or the wait times out.
func (s *Sink) waitQuorum(ctx context.Context, partName string) error {
	path := s.quorumTrackerPath(partName)
	ch, err := s.client.Watch(ctx, path)
	if err != nil {
		return errors.UnknownStatusOfInsert("failed to register quorum watch", err)
	}

	timeout := s.quorumWaitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		active, _, err := s.client.Exists(ctx, s.paths.IsActive(s.replicaID))
		if err != nil {
			return errors.UnknownStatusOfInsert("failed to re-check self liveness after quorum wake", err)
		}
		if !active {
			return errors.NoActiveReplicas("replica lost its is_active registration while waiting for quorum")
		}
		return nil
	case <-timer.C:
		return errors.TimeoutExceeded(fmt.Sprintf("quorum wait for part %s timed out after %s", partName, timeout))
	case <-ctx.Done():
		return errors.QueryWasCancelled("context cancelled while waiting for quorum")
	}
}

func logEntryType(mode Mode) model.LogEntryType {
	if mode == ModeAsync {
		return model.LogEntryAttachPart
	}
	return model.LogEntryGetPart
}
