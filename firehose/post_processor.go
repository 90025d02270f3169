package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storyline/models"

	"github.com/bluesky-social/indigo/api/bsky"
	jetstream_models "github.com/bluesky-social/jetstream/pkg/models"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const postCollection = "app.bsky.feed.post"

var postsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storyline_firehose_posts_total",
	Help: "Posts seen on the firehose by outcome",
}, []string{"outcome"})

// PostWriter stores ingested posts
type PostWriter interface {
	CreatePost(ctx context.Context, post models.Post) (bool, error)
}

type PostProcessor struct {
	decoder *zstd.Decoder
	filter  Filter
	store   PostWriter
}

func NewPostProcessor(config Config, store PostWriter) (*PostProcessor, error) {
	pp := &PostProcessor{
		filter: Filter{Languages: config.Languages, MinWords: config.MinWords},
		store:  store,
	}

	if config.Compress {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderDicts(jetstream_models.ZSTDDictionary))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		pp.decoder = decoder
	}

	return pp, nil
}

// ToPost maps a Jetstream event to a post. Events other than post creations
// return false.
func ToPost(event jetstream_models.Event) (models.Post, []string, bool, error) {
	if event.Commit == nil ||
		event.Commit.Operation != jetstream_models.CommitOperationCreate ||
		event.Commit.Collection != postCollection {
		return models.Post{}, nil, false, nil
	}

	var record bsky.FeedPost
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return models.Post{}, nil, false, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, record.CreatedAt)
	if err != nil {
		return models.Post{}, nil, false, fmt.Errorf("failed to parse creation time: %w", err)
	}

	return models.Post{
		SourceId:   fmt.Sprintf("at://%s/%s/%s", event.Did, postCollection, event.Commit.RKey),
		Text:       record.Text,
		ScreenName: event.Did,
		CreatedAt:  models.FormatTime(createdAt),
	}, record.Langs, true, nil
}

func (p *PostProcessor) processPost(ctx context.Context, msg *RawMessage) error {
	data := msg.Data
	if p.decoder != nil {
		decoded, err := p.decoder.DecodeAll(msg.Data, nil)
		if err != nil {
			postsProcessed.WithLabelValues("invalid").Inc()
			return fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decoded
	}

	var event jetstream_models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		postsProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	post, langs, ok, err := ToPost(event)
	if err != nil {
		postsProcessed.WithLabelValues("invalid").Inc()
		return err
	}
	if !ok {
		return nil
	}

	if reason := p.filter.Reason(post.Text, langs); reason != "" {
		postsProcessed.WithLabelValues("filtered_" + reason).Inc()
		return nil
	}

	created, err := p.store.CreatePost(ctx, post)
	if err != nil {
		return fmt.Errorf("failed to create post in database: %w", err)
	}
	if !created {
		postsProcessed.WithLabelValues("duplicate").Inc()
		return nil
	}

	postsProcessed.WithLabelValues("stored").Inc()
	log.WithFields(log.Fields{
		"source_id":  post.SourceId,
		"created_at": post.CreatedAt,
		"languages":  langs,
	}).Debug("Stored post from firehose")
	return nil
}
