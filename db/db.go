package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"storyline/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

var ErrNotFound = errors.New("not found")

// DB handles all record store operations with a shared connection pool
type DB struct {
	db     *sql.DB
	flavor sqlbuilder.Flavor
}

// Open connects to the store described by driver and dsn
func Open(driver, dsn string) (*DB, error) {
	conn, err := connection(driver, dsn)
	if err != nil {
		return nil, err
	}
	return New(conn, driver), nil
}

// New wraps an existing connection pool
func New(conn *sql.DB, driver string) *DB {
	return &DB{
		db:     conn,
		flavor: flavorFor(driver),
	}
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks that the store is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

var postColumns = []string{
	"posts.id",
	"posts.source_id",
	"posts.text",
	"posts.screen_name",
	"posts.attitudes_count",
	"posts.comments_count",
	"posts.reposts_count",
	"posts.created_at",
	"posts.summary",
	"posts.response",
	"posts.org",
	"posts.summary_embedding",
	"posts.cluster_label",
	"posts.event_title",
	"posts.event_id",
	"posts.archived",
	"posts.archived_cluster_label",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (models.Post, error) {
	var (
		post          models.Post
		summary       sql.NullString
		response      sql.NullInt64
		org           sql.NullString
		embedding     sql.NullString
		clusterLabel  sql.NullInt64
		eventTitle    sql.NullString
		eventId       sql.NullString
		archived      int64
		archivedLabel sql.NullInt64
	)

	err := row.Scan(
		&post.Id,
		&post.SourceId,
		&post.Text,
		&post.ScreenName,
		&post.AttitudesCount,
		&post.CommentsCount,
		&post.RepostsCount,
		&post.CreatedAt,
		&summary,
		&response,
		&org,
		&embedding,
		&clusterLabel,
		&eventTitle,
		&eventId,
		&archived,
		&archivedLabel,
	)
	if err != nil {
		return post, fmt.Errorf("scan error: %w", err)
	}

	if summary.Valid {
		post.Summary = &summary.String
	}
	if response.Valid {
		value := int(response.Int64)
		post.Response = &value
	}
	if org.Valid {
		post.Institution = &org.String
	}
	if embedding.Valid {
		vector, err := decodeEmbedding(embedding.String)
		if err != nil {
			return post, fmt.Errorf("post %d: %w", post.Id, err)
		}
		post.Embedding = vector
	}
	if clusterLabel.Valid {
		label := models.Label(clusterLabel.Int64)
		post.ClusterLabel = &label
	}
	if eventTitle.Valid {
		post.EventTitle = &eventTitle.String
	}
	if eventId.Valid {
		post.EventId = &eventId.String
	}
	post.Archived = archived != 0
	if archivedLabel.Valid {
		label := models.Label(archivedLabel.Int64)
		post.ArchivedClusterLabel = &label
	}

	return post, nil
}

// findPosts runs a select over the posts table with the given filters, ordered by id
func (db *DB) findPosts(ctx context.Context, filters ...Filter) ([]models.Post, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(postColumns...).From("posts")
	applyFilters(sb, filters...)
	sb.OrderBy("posts.id").Asc()

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	return posts, nil
}

// Embeddings are persisted as JSON arrays; encoding is deterministic so equal
// vectors always produce equal text.
func encodeEmbedding(vector []float64) (string, error) {
	data, err := json.Marshal(vector)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(data), nil
}

func decodeEmbedding(value string) ([]float64, error) {
	var vector []float64
	if err := json.Unmarshal([]byte(value), &vector); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vector, nil
}
