package store

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

func (r *RedisStore) struggleKey(userID, feature string) string {
	return r.cfg.KeyPrefix + "struggle:" + userID + ":" + feature
}

// GetStruggleState retrieves struggle state for a (user, feature) pair.
// A missing key returns (nil, nil); the caller starts from fresh state.
func (r *RedisStore) GetStruggleState(ctx context.Context, userID, feature string) (*struggle.State, error) {
	key := r.struggleKey(userID, feature)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		logrus.Debugf("no struggle state for user %s feature %s", userID, feature)
		return nil, nil
	}
	if err != nil {
		return nil, common.NewTransientStoreError("get struggle state", err)
	}

	var state struggle.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		// Corrupt state is an integrity failure, not a retry candidate.
		return nil, common.NewDataIntegrityError(key, err)
	}

	return &state, nil
}

// PutStruggleState persists struggle state with the configured TTL.
func (r *RedisStore) PutStruggleState(ctx context.Context, state *struggle.State) error {
	key := r.struggleKey(state.UserID, state.Feature)

	data, err := json.Marshal(state)
	if err != nil {
		return common.NewDataIntegrityError(key, err)
	}

	if err := r.client.Set(ctx, key, data, r.cfg.StateTTL).Err(); err != nil {
		return common.NewTransientStoreError("set struggle state", err)
	}

	logrus.Debugf("persisted struggle state for user %s feature %s (phase=%s)",
		state.UserID, state.Feature, state.Phase)
	return nil
}

// DeleteStruggleState removes struggle state for a (user, feature) pair.
func (r *RedisStore) DeleteStruggleState(ctx context.Context, userID, feature string) error {
	if err := r.client.Del(ctx, r.struggleKey(userID, feature)).Err(); err != nil {
		return common.NewTransientStoreError("delete struggle state", err)
	}
	return nil
}
