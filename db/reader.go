package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyline/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// PostsPendingSummary returns the active posts that have not been summarized
func (db *DB) PostsPendingSummary(ctx context.Context) ([]models.Post, error) {
	return db.findPosts(ctx, NotArchived, PendingSummary)
}

// PostsPendingEmbedding returns the active summarized posts without an embedding
func (db *DB) PostsPendingEmbedding(ctx context.Context) ([]models.Post, error) {
	return db.findPosts(ctx, NotArchived, PendingEmbedding)
}

// EmbeddedPosts returns every active post carrying an embedding, ordered by id.
// This is the input set of a clustering pass.
func (db *DB) EmbeddedPosts(ctx context.Context) ([]models.Post, error) {
	return db.findPosts(ctx, NotArchived, Embedded)
}

// UntitledPosts returns the active clustered posts that have no event title
func (db *DB) UntitledPosts(ctx context.Context) ([]models.Post, error) {
	return db.findPosts(ctx, NotArchived, Clustered, Untitled)
}

// ClusterTitles returns the titles carried by the active members of a cluster,
// most common first.
func (db *DB) ClusterTitles(ctx context.Context, label models.Label) ([]models.ClusterTitle, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("posts.event_title", "posts.event_id", "COUNT(*) AS members").
		From("posts").
		Where(sb.Equal("posts.cluster_label", int64(label)))
	applyFilters(sb, NotArchived, InEvent)
	sb.GroupBy("posts.event_title", "posts.event_id").
		OrderBy("members DESC", "posts.event_title")

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	titles := []models.ClusterTitle{}
	for rows.Next() {
		title := models.ClusterTitle{Label: label}
		if err := rows.Scan(&title.Title, &title.EventId, &title.Count); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return titles, nil
}

// PostByEmbedding finds the active post whose stored embedding equals vector
func (db *DB) PostByEmbedding(ctx context.Context, vector []float64) (models.Post, error) {
	encoded, err := encodeEmbedding(vector)
	if err != nil {
		return models.Post{}, err
	}

	sb := db.flavor.NewSelectBuilder()
	sb.Select(postColumns...).
		From("posts").
		Where(sb.Equal("posts.summary_embedding", encoded))
	applyFilters(sb, NotArchived)
	sb.OrderBy("posts.id").Asc().Limit(1)

	query, args := sb.Build()
	post, err := scanPost(db.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Post{}, ErrNotFound
	}
	return post, err
}

// EventActivity returns the latest post time of every active titled event.
// Times are compared once parsed, so a malformed created_at never hides the
// real last activity.
func (db *DB) EventActivity(ctx context.Context) ([]models.EventActivity, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("posts.event_title", "posts.created_at").From("posts")
	applyFilters(sb, NotArchived, Titled)
	sb.OrderBy("posts.event_title", "posts.id")

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var titles []string
	times := map[string][]string{}
	for rows.Next() {
		var title, createdAt string
		if err := rows.Scan(&title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		if _, ok := times[title]; !ok {
			titles = append(titles, title)
		}
		times[title] = append(times[title], createdAt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	events := make([]models.EventActivity, 0, len(titles))
	for _, title := range titles {
		events = append(events, models.EventActivity{Title: title, LastPostAt: models.LatestTime(times[title])})
	}
	return events, nil
}

// MaxArchivedLabel returns the largest label handed out by archival, if any
func (db *DB) MaxArchivedLabel(ctx context.Context) (models.Label, bool, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("MAX(posts.archived_cluster_label)").From("posts")

	query, args := sb.Build()
	var label sql.NullInt64
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&label); err != nil {
		return 0, false, fmt.Errorf("query error: %w", err)
	}
	return models.Label(label.Int64), label.Valid, nil
}

// CountPosts returns the total number of stored posts
func (db *DB) CountPosts(ctx context.Context) (int64, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From("posts")

	query, args := sb.Build()
	var count int64
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return count, nil
}

// LatestPostTime returns the created_at of the most recent post, or the zero
// time when the store is empty.
func (db *DB) LatestPostTime(ctx context.Context) (time.Time, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("MAX(posts.created_at)").From("posts")

	query, args := sb.Build()
	var latest sql.NullString
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("query error: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return models.ParseTime(latest.String)
}

// eventGroups selects one row per active event, most recently active first
func (db *DB) eventGroups(minPosts int) *sqlbuilder.SelectBuilder {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(
		"posts.event_id",
		"posts.event_title",
		"MAX(posts.cluster_label) AS cluster_label",
		"MAX(posts.created_at) AS last_post_at",
	).From("posts")
	applyFilters(sb, activeEvent...)
	sb.GroupBy("posts.event_id", "posts.event_title")
	if minPosts > 1 {
		sb.Having(sb.GreaterEqualThan("COUNT(*)", minPosts))
	}
	return sb
}

// ActiveEvents returns a page of active events with their posts. Pages start at 1.
func (db *DB) ActiveEvents(ctx context.Context, page, pageSize, minPosts int) (models.EventsPage, error) {
	result := models.EventsPage{
		Events:   []models.Event{},
		Page:     page,
		PageSize: pageSize,
	}

	cb := db.flavor.NewSelectBuilder()
	cb.Select("COUNT(*)").From(cb.BuilderAs(db.eventGroups(minPosts), "grouped"))
	query, args := cb.Build()
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("count events: %w", err)
	}

	sb := db.eventGroups(minPosts)
	sb.OrderBy("last_post_at DESC", "posts.event_id").
		Limit(pageSize).
		Offset((page - 1) * pageSize)

	query, args = sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return result, fmt.Errorf("query error: %w", err)
	}

	// Collect the page before querying posts so a single connection pool never
	// holds two open result sets.
	for rows.Next() {
		var (
			event      models.Event
			label      int64
			lastPostAt string
		)
		if err := rows.Scan(&event.EventId, &event.EventTitle, &label, &lastPostAt); err != nil {
			rows.Close()
			return result, fmt.Errorf("scan error: %w", err)
		}
		event.ClusterLabel = models.Label(label)
		result.Events = append(result.Events, event)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return result, fmt.Errorf("query error: %w", err)
	}
	rows.Close()

	for i := range result.Events {
		posts, err := db.EventPosts(ctx, result.Events[i].EventId)
		if err != nil {
			return result, err
		}
		result.Events[i].Posts = posts
	}

	return result, nil
}

// EventPosts returns the display projection of an active event's posts, newest first
func (db *DB) EventPosts(ctx context.Context, eventId string) ([]models.EventPost, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(
		"posts.source_id",
		"posts.text",
		"posts.screen_name",
		"posts.attitudes_count",
		"posts.comments_count",
		"posts.reposts_count",
		"posts.created_at",
		"COALESCE(posts.response, 0)",
	).From("posts")
	applyFilters(sb, EventIdEquals{EventId: eventId})
	applyFilters(sb, activeEvent...)
	sb.OrderBy("posts.created_at DESC", "posts.id DESC")

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	posts := []models.EventPost{}
	for rows.Next() {
		var post models.EventPost
		err := rows.Scan(
			&post.Id,
			&post.Text,
			&post.ScreenName,
			&post.AttitudesCount,
			&post.CommentsCount,
			&post.RepostsCount,
			&post.CreatedAt,
			&post.Response,
		)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return posts, nil
}

// ValidClusters lists every active event with a short projection of its posts.
// Events are ordered by their most recent post.
func (db *DB) ValidClusters(ctx context.Context) ([]models.ValidCluster, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(
		"posts.event_id",
		"posts.event_title",
		"posts.cluster_label",
		"posts.text",
		"COALESCE(posts.summary, '')",
		"posts.created_at",
	).From("posts")
	applyFilters(sb, activeEvent...)
	sb.OrderBy("posts.created_at DESC", "posts.id DESC")

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	clusters := []models.ValidCluster{}
	index := map[string]int{}
	for rows.Next() {
		var (
			eventId, eventTitle string
			label               int64
			post                models.ClusterPost
		)
		if err := rows.Scan(&eventId, &eventTitle, &label, &post.Text, &post.Summary, &post.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}

		i, ok := index[eventId]
		if !ok {
			i = len(clusters)
			index[eventId] = i
			clusters = append(clusters, models.ValidCluster{
				EventId:      eventId,
				EventTitle:   eventTitle,
				ClusterLabel: models.Label(label),
				Posts:        []models.ClusterPost{},
			})
		}
		clusters[i].Posts = append(clusters[i].Posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return clusters, nil
}
