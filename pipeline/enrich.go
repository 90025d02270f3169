package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"storyline/models"

	log "github.com/sirupsen/logrus"
)

// Summarize writes summary, response flag and institution to every active post
// that has none. Posts whose reply cannot be used stay pending for the next run.
func (s *Service) Summarize(ctx context.Context) (Report, error) {
	return s.run(ctx, StageSummarize, func(ctx context.Context, report *Report) error {
		posts, err := s.store.PostsPendingSummary(ctx)
		if err != nil {
			return fmt.Errorf("load posts pending summary: %w", err)
		}
		report.Candidates = len(posts)

		var updated, skipped atomic.Int64
		err = forEach(ctx, s.opts.Workers, posts, func(ctx context.Context, post models.Post) error {
			ok, err := s.summarizePost(ctx, post)
			if err != nil {
				return err
			}
			if ok {
				updated.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
		report.Updated = int(updated.Load())
		report.Skipped = int(skipped.Load())
		return err
	})
}

// summarizePost returns an error only for store failures
func (s *Service) summarizePost(ctx context.Context, post models.Post) (bool, error) {
	logger := log.WithField("post_id", post.Id)

	text := strings.TrimSpace(post.Text)
	if text == "" {
		logger.Debug("Skipping post without text")
		return false, nil
	}

	reply, err := s.generator.Generate(ctx, summaryPrompt(text, s.opts.SummaryMaxLength))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.WithError(err).Warn("Summary generation failed")
		return false, nil
	}
	if reply == "" {
		logger.Warn("Summary generation returned nothing")
		return false, nil
	}

	summary, err := parseSummaryReply(reply, s.opts.SummaryMaxLength)
	if err != nil {
		if errors.Is(err, ErrInvalidReply) {
			logger.WithError(err).WithField("reply", reply).Warn("Discarding summary reply")
			return false, nil
		}
		return false, err
	}

	saved, err := s.store.SaveSummary(ctx, post.Id, summary)
	if err != nil {
		return false, fmt.Errorf("save summary of post %d: %w", post.Id, err)
	}
	return saved, nil
}

// Embed writes the embedding of the summary of every active post that has a
// summary but no embedding yet.
func (s *Service) Embed(ctx context.Context) (Report, error) {
	return s.run(ctx, StageEmbed, func(ctx context.Context, report *Report) error {
		posts, err := s.store.PostsPendingEmbedding(ctx)
		if err != nil {
			return fmt.Errorf("load posts pending embedding: %w", err)
		}
		report.Candidates = len(posts)

		var updated, skipped atomic.Int64
		err = forEach(ctx, s.opts.Workers, posts, func(ctx context.Context, post models.Post) error {
			ok, err := s.embedPost(ctx, post)
			if err != nil {
				return err
			}
			if ok {
				updated.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
		report.Updated = int(updated.Load())
		report.Skipped = int(skipped.Load())
		return err
	})
}

func (s *Service) embedPost(ctx context.Context, post models.Post) (bool, error) {
	logger := log.WithField("post_id", post.Id)

	if post.Summary == nil || strings.TrimSpace(*post.Summary) == "" {
		return false, nil
	}

	vector, err := s.embedder.Embed(ctx, strings.TrimSpace(*post.Summary))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.WithError(err).Warn("Embedding failed")
		return false, nil
	}
	if len(vector) == 0 {
		logger.Warn("Embedding returned an empty vector")
		return false, nil
	}

	saved, err := s.store.SaveEmbedding(ctx, post.Id, vector)
	if err != nil {
		return false, fmt.Errorf("save embedding of post %d: %w", post.Id, err)
	}
	return saved, nil
}
