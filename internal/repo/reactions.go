package repo

import (
	"context"
	"database/sql"

	"opsline/internal/domain"
)

const reactionCols = `id,source_event_id,status,processed_at,created_at`

func scanReaction(scan func(dest ...any) error) (domain.ReactionQueueItem, error) {
	var item domain.ReactionQueueItem
	var processed sql.NullString
	err := scan(&item.ID, &item.SourceEventID, &item.Status, &processed, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if processed.Valid {
		item.ProcessedAt = &processed.String
	}
	return item, nil
}

func (r Repo) InsertReactionTx(ctx context.Context, tx *sql.Tx, item domain.ReactionQueueItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reaction_queue(id,source_event_id,status,created_at) VALUES (?,?,?,?)`,
		item.ID, item.SourceEventID, item.Status, item.CreatedAt)
	return err
}

// PendingReactions returns the oldest pending items up to the batch size.
func (r Repo) PendingReactions(ctx context.Context, limit int) ([]domain.ReactionQueueItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reactionCols+` FROM reaction_queue WHERE status=? ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.ReactionPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReactionQueueItem
	for rows.Next() {
		item, err := scanReaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// MarkReaction moves a pending item to a terminal status. Keyed on pending
// so each item is consumed at most once.
func (r Repo) MarkReaction(ctx context.Context, id, status, processedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE reaction_queue SET status=?, processed_at=? WHERE id=? AND status=?`,
		status, processedAt, id, domain.ReactionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
