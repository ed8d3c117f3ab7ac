package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/event"
)

func (r *RedisStore) historyKey(userID string) string {
	return r.cfg.KeyPrefix + "history:" + userID
}

// AppendEvent records a validated event into the user's history list.
// The list is newest-first and capped at HistoryMaxEvents.
func (r *RedisStore) AppendEvent(ctx context.Context, ev *event.ValidatedEvent) error {
	key := r.historyKey(ev.UserID)

	data, err := json.Marshal(ev.Event)
	if err != nil {
		return common.NewDataIntegrityError(key, err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.cfg.HistoryMaxEvents-1))
	pipe.Expire(ctx, key, r.cfg.HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.NewTransientStoreError("append event history", err)
	}

	return nil
}

// RecentEvents returns the user's events with timestamp >= since,
// newest first. Undecodable entries are skipped and logged, never
// fatal: one corrupt record must not starve feature extraction.
func (r *RedisStore) RecentEvents(ctx context.Context, userID string, since time.Time) ([]event.Event, error) {
	key := r.historyKey(userID)

	raw, err := r.client.LRange(ctx, key, 0, int64(r.cfg.HistoryMaxEvents-1)).Result()
	if err != nil {
		return nil, common.NewTransientStoreError("read event history", err)
	}

	events := make([]event.Event, 0, len(raw))
	for _, item := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			logrus.Warnf("skipping corrupt history entry for user %s: %v", userID, err)
			continue
		}
		if ev.Timestamp.Before(since) {
			// Newest-first list: everything past this point is older.
			break
		}
		events = append(events, ev)
	}

	return events, nil
}
