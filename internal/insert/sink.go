package insert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/coldb/internal/config"
	"github.com/devrev/coldb/internal/coordinator"
	"github.com/devrev/coldb/internal/dedup"
	"github.com/devrev/coldb/internal/errors"
	"github.com/devrev/coldb/internal/metrics"
	"github.com/devrev/coldb/internal/model"
	"github.com/devrev/coldb/internal/preparer"
	"github.com/devrev/coldb/internal/retry"
	"github.com/devrev/coldb/internal/util/workerpool"
	"github.com/devrev/coldb/internal/validation"
)

// Sink is the replicated insert sink: the sole entry point a caller
// feeds batches to. One Sink instance is not required to be safe
// against parallel Insert calls on itself — callers serialize their
// own calls.
type Sink struct {
	client     coordinator.Client
	paths      coordinator.Paths
	replicaID  string
	cfg        config.InsertConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
	preparer   *preparer.Preparer
	prefilter  *dedup.PrefilterCache
	validator  *validation.Validator
	dataDir    string
	partsMu    sync.Mutex
	quorumMode QuorumMode

	quorumWaitTimeout time.Duration
	pool              *workerpool.WorkerPool

	dedupTokenSeq atomic.Int64
}

// New constructs a Sink bound to one table's coordinator sub-tree.
func New(client coordinator.Client, paths coordinator.Paths, replicaID string, cfg config.InsertConfig, dataDir string, m *metrics.Metrics, logger *zap.Logger) (*Sink, error) {
	prep := preparer.New(dataDir, logger)
	prefilter, err := dedup.NewPrefilterCache(4096)
	if err != nil {
		return nil, fmt.Errorf("creating dedup prefilter cache: %w", err)
	}

	quorumMode := QuorumSerial
	if cfg.QuorumParallel {
		quorumMode = QuorumParallel
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "insert-commit",
		MaxWorkers: cfg.MaxConcurrentStreams,
		QueueSize:  cfg.MaxConcurrentStreams * 4,
		Logger:     logger,
	})

	return &Sink{
		client:            client,
		paths:             paths,
		replicaID:         replicaID,
		cfg:               cfg,
		metrics:           m,
		logger:            logger,
		preparer:          prep,
		prefilter:         prefilter,
		validator:         validation.New(),
		dataDir:           dataDir,
		quorumMode:        quorumMode,
		quorumWaitTimeout: 30 * time.Second,
		pool:              pool,
	}, nil
}

// Close releases the sink's worker pool, waiting up to 30s for
// in-flight commits to finish.
func (s *Sink) Close() error {
	return s.pool.Stop(30 * time.Second)
}

// Insert validates, quorum-checks, prepares, dedups, and commits one
// batch, partition by partition.
func (s *Sink) Insert(ctx context.Context, batch model.Batch, mode Mode, dedupToken string) (Result, error) {
	start := time.Now()

	if err := s.validator.ValidateBatch(batch); err != nil {
		return Result{}, fmt.Errorf("invalid batch: %w", err)
	}
	if err := s.validator.ValidateDedupToken(dedupToken); err != nil {
		return Result{}, fmt.Errorf("invalid dedup token: %w", err)
	}

	if !s.client.SessionAlive() {
		return Result{}, errors.NoCoordinatorSession(nil)
	}

	qinfo, err := checkQuorum(ctx, s.client, s.paths, s.replicaID, s.cfg.Quorum, s.quorumMode == QuorumParallel)
	if err != nil {
		s.metrics.QuorumFailuresTotal.Inc()
		return Result{}, err
	}

	var blocks []model.PartitionBlock
	if mode == ModeAsync {
		blocks, err = s.preparer.PrepareAsync(batch, s.cfg.MaxPartsPerBlock, batch.Offsets)
	} else {
		blocks, err = s.preparer.Prepare(batch, s.cfg.MaxPartsPerBlock)
	}
	if err != nil {
		return Result{}, fmt.Errorf("preparing batch: %w", err)
	}

	var strategy dedupStrategy = syncDedup{}
	if mode == ModeAsync {
		strategy = asyncDedup{}
	}

	result := Result{ReplicasNum: qinfo.ReplicasNum}
	if len(blocks) == 0 {
		return result, nil
	}

	type partitionOutcome struct {
		commit CommitResult
		rows   int
		err    error
	}
	outcomes := make([]partitionOutcome, len(blocks))

	admitted := 0
	var wg sync.WaitGroup
	for i, block := range blocks {
		admitted += block.Part.StreamCount
		i, block := i, block
		wg.Add(1)
		task := workerpool.Task{
			ID:      fmt.Sprintf("commit-%s-%d", block.Part.PartitionID, i),
			Context: ctx,
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				outcomes[i].commit, outcomes[i].rows, outcomes[i].err = s.commitPartition(ctx, mode, strategy, block, dedupToken, qinfo)
				return outcomes[i].err
			},
		}
		if err := s.pool.SubmitWithContext(ctx, task); err != nil {
			wg.Done()
			outcomes[i].err = fmt.Errorf("submitting commit task: %w", err)
		}

		if admitted >= s.cfg.MaxConcurrentStreams {
			wg.Wait()
			admitted = 0
		}
	}
	wg.Wait()

	rows := 0
	for _, o := range outcomes {
		if o.err != nil {
			return Result{}, o.err
		}
		rows += o.rows
		result.Produced = result.Produced || !o.commit.Duplicate
		result.LastBlockIsDuplicate = o.commit.Duplicate
	}

	s.metrics.RecordInsert(time.Since(start).Seconds(), rows, len(blocks))
	return result, nil
}

// commitPartition wires dedup strategy into commitOne, running the
// async conflict-resolution loop when needed. The returned int is the
// number of rows actually committed, which can be smaller than
// block.Part.RowCount once self-dedup and cross-replica conflict
// filtering have dropped sub-blocks — callers must use it instead of
// the original block's row count when accounting for what was written.
func (s *Sink) commitPartition(ctx context.Context, mode Mode, strategy dedupStrategy, block model.PartitionBlock, dedupToken string, qinfo quorumInfo) (CommitResult, int, error) {
	commitStart := time.Now()
	s.prefilter.ResetForPartition()

	if mode == ModeSync {
		seq := s.nextDedupSeq()
		ids := strategy.blockIDs(block, dedupToken, &seq)
		result, conflicts, err := s.runCommitWithRetry(ctx, mode, block.Part, ids, qinfo)
		if err != nil {
			s.metrics.RecordCommit("failed", time.Since(commitStart).Seconds())
			return CommitResult{}, 0, err
		}
		if len(conflicts) > 0 || result.Duplicate {
			s.metrics.SyncDedupDuplicates.Inc()
			s.metrics.RecordCommit("deduplicated", time.Since(commitStart).Seconds())
			return result, 0, nil
		}
		s.metrics.RecordCommit("committed", time.Since(commitStart).Seconds())
		return result, block.Part.RowCount, nil
	}

	rows, offsets := block.Rows, block.Offsets
	ids := strategy.blockIDs(block, dedupToken, nil)
	filteredRows, filteredOffsets, filteredIDs, selfDupChanged, dropped := dedup.SelfDedupFilter(rows, offsets, ids)
	if selfDupChanged {
		s.metrics.SelfDedupDroppedRows.Add(float64(dropped))
		rewritten, err := s.preparer.RewriteAsync(block.Part, filteredRows)
		if err != nil {
			return CommitResult{}, 0, err
		}
		block.Part = rewritten
	}
	if len(filteredIDs) == 0 {
		s.metrics.RecordCommit("deduplicated", time.Since(commitStart).Seconds())
		return CommitResult{Duplicate: true}, 0, nil
	}

	prefiltered := s.prefilter.CheckConflicts(filteredIDs)
	if len(prefiltered) > 0 {
		filteredRows, filteredOffsets, filteredIDs = dedup.DropConflicting(filteredRows, filteredOffsets, filteredIDs, prefiltered)
		if len(filteredIDs) == 0 {
			s.metrics.AsyncDedupDuplicates.Add(float64(len(prefiltered)))
			s.metrics.RecordCommit("deduplicated", time.Since(commitStart).Seconds())
			return CommitResult{Duplicate: true}, 0, nil
		}
		rewritten, err := s.preparer.RewriteAsync(block.Part, filteredRows)
		if err != nil {
			return CommitResult{}, 0, err
		}
		block.Part = rewritten
	}
	_ = filteredOffsets

	var final CommitResult
	committedRows, _, ids, err := dedup.ConflictLoop(filteredRows, filteredOffsets, filteredIDs, func(r []model.Row, o []int, curIDs []string) (map[string]bool, error) {
		if len(r) != block.Part.RowCount {
			rewritten, rerr := s.preparer.RewriteAsync(block.Part, r)
			if rerr != nil {
				return nil, rerr
			}
			block.Part = rewritten
		}
		result, conflicts, err := s.runCommitWithRetry(ctx, mode, block.Part, curIDs, qinfo)
		if err != nil {
			return nil, err
		}
		for id := range conflicts {
			s.prefilter.MarkCommitted(id)
		}
		if len(conflicts) == 0 {
			final = result
		}
		return conflicts, nil
	})
	if err != nil {
		s.metrics.RecordCommit("failed", time.Since(commitStart).Seconds())
		return CommitResult{}, 0, err
	}
	if len(ids) == 0 {
		s.metrics.AsyncDedupDuplicates.Inc()
		s.metrics.RecordCommit("deduplicated", time.Since(commitStart).Seconds())
		return CommitResult{Duplicate: true}, 0, nil
	}
	s.metrics.RecordCommit("committed", time.Since(commitStart).Seconds())
	return final, len(committedRows), nil
}

// runCommitWithRetry wraps commitOne with the bounded exponential
// backoff retry controller: hardware faults retry, user/logical errors
// are fatal.
func (s *Sink) runCommitWithRetry(ctx context.Context, mode Mode, part model.TempPart, ids []string, qinfo quorumInfo) (CommitResult, map[string]bool, error) {
	var result CommitResult
	var conflicts map[string]bool

	policy := retry.Policy{
		MaxAttempts:    s.cfg.MaxRetries,
		InitialBackoff: s.cfg.RetryBackoff,
		MaxBackoff:     s.cfg.RetryBackoffMax,
		AfterLastFailure: func(lastErr error) {
			s.logger.Warn("commit exhausted retries, part needs background consistency check",
				zap.String("partition_id", part.PartitionID), zap.Error(lastErr))
		},
	}

	err := retry.Run(ctx, policy, func(i int, isLast bool) (retry.Verdict, error) {
		r, c, err := s.commitOne(ctx, mode, part, ids, qinfo)
		if err != nil {
			return retry.VerdictFor(err), err
		}
		result, conflicts = r, c
		return retry.Done, nil
	})
	if err != nil {
		return CommitResult{}, nil, err
	}
	return result, conflicts, nil
}

// nextDedupSeq hands out a sink-lifetime-unique sequence number for
// token-addressed block ids, so concurrently-committing partitions in
// the same batch (and across batches) never collide on "token_seq".
func (s *Sink) nextDedupSeq() int {
	return int(s.dedupTokenSeq.Add(1) - 1)
}
