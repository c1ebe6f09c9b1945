package data

import (
	"context"
	"encoding/json"
	"fmt"

	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// CheckpointRepo keeps a bounded history of state checkpoints per scope
// in Redis lists. Newest checkpoint is at the head of the list.
type CheckpointRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewCheckpointRepo creates a new checkpoint repository. The Redis client
// may be nil, in which case every operation degrades gracefully: appends
// report an error and reads behave as if no checkpoints exist.
func NewCheckpointRepo(data *Data, logger log.Logger) *CheckpointRepo {
	return &CheckpointRepo{
		rdb:    data.redisClient,
		logger: log.NewHelper(logger),
	}
}

func checkpointKey(scope string) string {
	return "checkpoint:" + scope
}

// Append pushes the checkpoint to the head of the scope's history and
// trims the history to the retention bound.
func (r *CheckpointRepo) Append(ctx context.Context, scope string, cp *model.Checkpoint) error {
	if r.rdb == nil {
		return fmt.Errorf("checkpoint store unavailable: redis client is nil")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := checkpointKey(scope)
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(model.MaxCheckpointsPerScope)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Errorw("failed to append checkpoint",
			"scope", scope,
			"state_id", cp.StateID,
			"error", err)
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}

	r.logger.Debugw("checkpoint appended", "scope", scope, "state_id", cp.StateID)
	return nil
}

// Get returns the checkpoint at the given index, or nil when the index is
// out of range. Negative indices count back from the newest checkpoint:
// -1 is the most recent, -2 the one before it.
func (r *CheckpointRepo) Get(ctx context.Context, scope string, index int) (*model.Checkpoint, error) {
	if r.rdb == nil {
		return nil, nil
	}
	if index >= 0 {
		// Only history-relative lookups are supported.
		return nil, nil
	}

	// The list is newest-first, so -1 maps to head position 0.
	pos := int64(-index - 1)
	data, err := r.rdb.LIndex(ctx, checkpointKey(scope), pos).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		r.logger.Errorw("failed to read checkpoint",
			"scope", scope,
			"index", index,
			"error", err)
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Count returns the number of checkpoints retained for the scope.
func (r *CheckpointRepo) Count(ctx context.Context, scope string) (int64, error) {
	if r.rdb == nil {
		return 0, nil
	}
	n, err := r.rdb.LLen(ctx, checkpointKey(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}
