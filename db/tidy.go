package db

import (
	"context"
	"fmt"
	"time"

	"storyline/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const deleteBatchSize = 500

// DeleteStaleNoise removes posts that are still labeled noise and were created
// before the given time. Archived and clustered posts are never touched.
func (db *DB) DeleteStaleNoise(ctx context.Context, before time.Time) (candidates int, deleted int64, err error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("posts.id", "posts.created_at").
		From("posts").
		Where(sb.Equal("posts.cluster_label", int64(models.NoiseLabel)))
	applyFilters(sb, NotArchived)
	sb.OrderBy("posts.id").Asc()

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("query error: %w", err)
	}

	var stale []int64
	for rows.Next() {
		var (
			id        int64
			createdAt string
		)
		if err := rows.Scan(&id, &createdAt); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan error: %w", err)
		}
		t, err := models.ParseTime(createdAt)
		if err != nil {
			log.WithFields(log.Fields{
				"post_id":    id,
				"created_at": createdAt,
			}).Warn("Skipping noise post with unparsable timestamp")
			continue
		}
		if t.Before(before) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("query error: %w", err)
	}
	rows.Close()

	for _, batch := range lo.Chunk(stale, deleteBatchSize) {
		dlb := db.flavor.NewDeleteBuilder()
		dlb.DeleteFrom("posts").Where(
			dlb.In("id", lo.ToAnySlice(batch)...),
			dlb.Equal("cluster_label", int64(models.NoiseLabel)),
			dlb.Equal("archived", 0),
		)

		query, args := dlb.Build()
		res, err := db.db.ExecContext(ctx, query, args...)
		if err != nil {
			return len(stale), deleted, fmt.Errorf("delete error: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return len(stale), deleted, fmt.Errorf("delete error: %w", err)
		}
		deleted += affected
	}

	log.WithFields(log.Fields{
		"before":  models.FormatTime(before),
		"deleted": deleted,
	}).Info("Deleted stale noise posts")

	return len(stale), deleted, nil
}
