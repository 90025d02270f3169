package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"storyline/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CreatePost inserts an ingested post. Content is immutable, so a post whose
// source id is already stored is left untouched and reported as not created.
func (db *DB) CreatePost(ctx context.Context, post models.Post) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	createdAt := post.CreatedAt
	if parsed, err := models.ParseTime(createdAt); err == nil {
		createdAt = models.FormatTime(parsed)
	}

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("posts").
		Cols("source_id", "text", "screen_name", "attitudes_count", "comments_count", "reposts_count", "created_at", "indexed_at").
		Values(post.SourceId, post.Text, post.ScreenName, post.AttitudesCount, post.CommentsCount, post.RepostsCount, createdAt, models.FormatTime(time.Now()))
	ib.SQL("ON CONFLICT (source_id) DO NOTHING")

	query, args := ib.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert error: %w", err)
	}

	log.WithFields(log.Fields{
		"source_id":  post.SourceId,
		"created_at": createdAt,
		"created":    affected > 0,
	}).Debug("Stored post")

	return affected > 0, nil
}

// SaveSummary writes the three summarization fields in a single statement.
// Posts that were summarized in the meantime are not overwritten.
func (db *DB) SaveSummary(ctx context.Context, postId int64, summary models.Summary) (bool, error) {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("posts").
		Set(
			ub.Assign("summary", summary.Text),
			ub.Assign("response", summary.Response),
			ub.Assign("org", summary.Institution),
		).
		Where(
			ub.Equal("id", postId),
			ub.IsNull("summary"),
		)

	return db.execUpdate(ctx, ub.Build)
}

// SaveEmbedding writes the summary embedding of a post that has none yet
func (db *DB) SaveEmbedding(ctx context.Context, postId int64, embedding []float64) (bool, error) {
	encoded, err := encodeEmbedding(embedding)
	if err != nil {
		return false, err
	}

	ub := db.flavor.NewUpdateBuilder()
	ub.Update("posts").
		Set(ub.Assign("summary_embedding", encoded)).
		Where(
			ub.Equal("id", postId),
			ub.IsNull("summary_embedding"),
		)

	return db.execUpdate(ctx, ub.Build)
}

// SaveClusterLabels overwrites the cluster label of every assigned post in one
// transaction. Posts relabeled as noise drop any title left from earlier runs.
func (db *DB) SaveClusterLabels(ctx context.Context, assignments []models.LabelAssignment) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				log.WithError(rbErr).Error("Error rolling back cluster labels")
			}
		}
	}()

	for _, assignment := range assignments {
		ub := db.flavor.NewUpdateBuilder()
		ub.Update("posts").Set(ub.Assign("cluster_label", int64(assignment.Label)))
		if assignment.Label.IsNoise() {
			ub.SetMore(
				ub.Assign("event_title", nil),
				ub.Assign("event_id", nil),
			)
		}
		ub.Where(
			ub.Equal("id", assignment.PostId),
			ub.Equal("archived", 0),
		)

		query, args := ub.Build()
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update cluster label of post %d: %w", assignment.PostId, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit cluster labels: %w", err)
	}
	return nil
}

// ResolveEventId returns the event id registered for title, minting and
// registering a new one when the title has never been assigned.
func (db *DB) ResolveEventId(ctx context.Context, title string) (string, bool, error) {
	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("events").
		Cols("event_id", "title", "created_at").
		Values(uuid.New().String(), title, models.FormatTime(time.Now()))
	ib.SQL("ON CONFLICT (title) DO NOTHING")

	query, args := ib.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", false, fmt.Errorf("register event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("register event: %w", err)
	}

	sb := db.flavor.NewSelectBuilder()
	sb.Select("event_id").From("events").Where(sb.Equal("title", title))
	query, args = sb.Build()

	var eventId string
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&eventId); err != nil {
		return "", false, fmt.Errorf("lookup event: %w", err)
	}

	return eventId, affected > 0, nil
}

// AssignEvent writes title and event id to every active post carrying label
func (db *DB) AssignEvent(ctx context.Context, label models.Label, title, eventId string) (int64, error) {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("posts").
		Set(
			ub.Assign("event_title", title),
			ub.Assign("event_id", eventId),
		).
		Where(
			ub.Equal("cluster_label", int64(label)),
			ub.Equal("archived", 0),
		)

	return db.execUpdateCount(ctx, ub.Build)
}

// ArchiveEvent retires every active post titled title and moves them to label
func (db *DB) ArchiveEvent(ctx context.Context, title string, label models.Label) (int64, error) {
	if !label.IsArchived() {
		return 0, fmt.Errorf("label %d is not in the archived range", label)
	}

	ub := db.flavor.NewUpdateBuilder()
	ub.Update("posts").
		Set(
			ub.Assign("archived", 1),
			ub.Assign("cluster_label", int64(label)),
			ub.Assign("archived_cluster_label", int64(label)),
		).
		Where(
			ub.Equal("event_title", title),
			ub.Equal("archived", 0),
		)

	return db.execUpdateCount(ctx, ub.Build)
}

func (db *DB) execUpdate(ctx context.Context, build func() (string, []interface{})) (bool, error) {
	affected, err := db.execUpdateCount(ctx, build)
	return affected > 0, err
}

func (db *DB) execUpdateCount(ctx context.Context, build func() (string, []interface{})) (int64, error) {
	query, args := build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update error: %s: %w", strings.Fields(query)[0], err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update error: %w", err)
	}
	return affected, nil
}
