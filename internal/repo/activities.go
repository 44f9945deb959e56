package repo

import (
	"context"
	"database/sql"

	"prodline/internal/domain"
)

func (r Repo) InsertOrderActivity(ctx context.Context, tx *sql.Tx, a domain.OrderActivity) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO order_activities(id,org_id,order_id,activity_type,description,metadata_json,actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?)`, a.ID, a.OrgID, a.OrderID, a.ActivityType, a.Description, meta, a.ActorID, a.CreatedAt)
	return err
}

// ListOrderActivities returns an order's activity feed, newest first.
func (r Repo) ListOrderActivities(ctx context.Context, orgID, orderID string, limit int) ([]domain.OrderActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,order_id,activity_type,description,metadata_json,actor_id,created_at
FROM order_activities WHERE org_id=? AND order_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, orgID, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderActivity
	for rows.Next() {
		var a domain.OrderActivity
		var meta string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.OrderID, &a.ActivityType, &a.Description, &meta, &a.ActorID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.Metadata, err = domain.ParseMetadata(meta); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
