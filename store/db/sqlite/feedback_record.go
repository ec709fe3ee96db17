package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/divinesense-router/store"
)

func (d *DB) CreateFeedbackRecord(ctx context.Context, create *store.FeedbackRecord) (*store.FeedbackRecord, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	signals, err := store.EncodeSignals(create.Signals)
	if err != nil {
		return nil, err
	}

	stmt := `INSERT INTO feedback_record (request_id, session_id, kind, tier, path, domain, intent_name, status, outcome, latency_ms, signals, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.RequestID, create.SessionID, string(create.Kind), create.Tier, create.Path, create.Domain,
		create.IntentName, create.Status, string(create.Outcome), create.LatencyMs, signals, create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create feedback record")
	}
	return create, nil
}

func (d *DB) ListFeedbackRecords(ctx context.Context, find *store.FindFeedbackRecord) ([]*store.FeedbackRecord, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.SessionID; v != nil {
		where, args = append(where, "session_id = ?"), append(args, *v)
	}
	if v := find.RequestID; v != nil {
		where, args = append(where, "request_id = ?"), append(args, *v)
	}
	if v := find.Kind; v != nil {
		where, args = append(where, "kind = ?"), append(args, string(*v))
	}
	if v := find.Outcome; v != nil {
		where, args = append(where, "outcome = ?"), append(args, string(*v))
	}
	if v := find.StartTs; v != nil {
		where, args = append(where, "created_ts >= ?"), append(args, *v)
	}

	query := `SELECT id, request_id, session_id, kind, tier, path, domain, intent_name, status, outcome, latency_ms, signals, created_ts
		FROM feedback_record WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts DESC, id DESC`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list feedback records")
	}
	defer rows.Close()

	list := []*store.FeedbackRecord{}
	for rows.Next() {
		var (
			rec           store.FeedbackRecord
			kind, outcome string
			signals       string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.SessionID, &kind, &rec.Tier, &rec.Path, &rec.Domain,
			&rec.IntentName, &rec.Status, &outcome, &rec.LatencyMs, &signals, &rec.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan feedback record")
		}
		rec.Kind = store.FeedbackKind(kind)
		rec.Outcome = store.FeedbackOutcome(outcome)
		if rec.Signals, err = store.DecodeSignals(signals); err != nil {
			return nil, err
		}
		list = append(list, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate feedback records")
	}
	return list, nil
}

func (d *DB) GetFeedbackStats(ctx context.Context, get *store.GetFeedbackStats) (*store.FeedbackStats, error) {
	since := int64(0)
	if get != nil && get.TimeRange > 0 {
		since = time.Now().Add(-get.TimeRange).Unix()
	}
	stats := &store.FeedbackStats{ByOutcome: map[string]int64{}, ByPath: map[string]int64{}}

	var avg *float64
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(latency_ms) FROM feedback_record WHERE kind = ? AND created_ts >= ?`,
		string(store.FeedbackKindRoute), since,
	).Scan(&stats.Total, &avg); err != nil {
		return nil, errors.Wrap(err, "failed to aggregate feedback records")
	}
	if avg != nil {
		stats.AvgLatencyMs = *avg
	}

	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback_record WHERE kind = ? AND created_ts >= ?`,
		string(store.FeedbackKindSignal), since,
	).Scan(&stats.Signals); err != nil {
		return nil, errors.Wrap(err, "failed to count feedback signals")
	}

	for column, target := range map[string]map[string]int64{"outcome": stats.ByOutcome, "path": stats.ByPath} {
		rows, err := d.db.QueryContext(ctx,
			`SELECT `+column+`, COUNT(*) FROM feedback_record WHERE kind = ? AND created_ts >= ? GROUP BY `+column,
			string(store.FeedbackKindRoute), since)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to group feedback records by %s", column)
		}
		for rows.Next() {
			var (
				key   string
				count int64
			)
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan feedback group")
			}
			target[key] = count
		}
		rows.Close()
	}
	return stats, nil
}
