package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/intervention"
)

func (r *RedisStore) interventionKey(id string) string {
	return r.cfg.KeyPrefix + "intervention:" + id
}

func (r *RedisStore) openOutcomesKey() string {
	return r.cfg.KeyPrefix + "intervention:open"
}

func (r *RedisStore) cooldownKey(userID string, typ intervention.Type) string {
	return r.cfg.KeyPrefix + "cooldown:" + userID + ":" + string(typ)
}

// PutIntervention persists a record. Records with an unknown outcome
// are tracked in the open set so the effectiveness sweep can find them.
func (r *RedisStore) PutIntervention(ctx context.Context, rec *intervention.Record) error {
	key := r.interventionKey(rec.ID)

	data, err := json.Marshal(rec)
	if err != nil {
		return common.NewDataIntegrityError(key, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, r.cfg.InterventionTTL)
	if rec.Outcome == intervention.OutcomeUnknown {
		pipe.SAdd(ctx, r.openOutcomesKey(), rec.ID)
	} else {
		pipe.SRem(ctx, r.openOutcomesKey(), rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return common.NewTransientStoreError("put intervention", err)
	}

	return nil
}

// GetIntervention retrieves a record by id. Missing records return
// (nil, nil).
func (r *RedisStore) GetIntervention(ctx context.Context, id string) (*intervention.Record, error) {
	key := r.interventionKey(id)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewTransientStoreError("get intervention", err)
	}

	var rec intervention.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, common.NewDataIntegrityError(key, err)
	}

	return &rec, nil
}

// OpenInterventions returns all records with an unresolved outcome.
func (r *RedisStore) OpenInterventions(ctx context.Context) ([]*intervention.Record, error) {
	ids, err := r.client.SMembers(ctx, r.openOutcomesKey()).Result()
	if err != nil {
		return nil, common.NewTransientStoreError("list open interventions", err)
	}

	records := make([]*intervention.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetIntervention(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Record expired out from under the set; drop the ref.
			r.client.SRem(ctx, r.openOutcomesKey(), id)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// AcquireCooldown atomically claims the dedup slot for (user, type).
// Returns false while a previous intervention of the same type is still
// inside its cooldown window.
func (r *RedisStore) AcquireCooldown(ctx context.Context, userID string, typ intervention.Type, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.cooldownKey(userID, typ), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, common.NewTransientStoreError("acquire cooldown", err)
	}
	return ok, nil
}
