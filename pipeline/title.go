package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"storyline/db"
	"storyline/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// TitleLatest titles clusters from the most recent clustering pass of this
// process. Without one it logs a warning and does nothing.
func (s *Service) TitleLatest(ctx context.Context) (Report, error) {
	report, err := s.Title(ctx, s.Latest())
	if errors.Is(err, ErrNotFitted) {
		log.Warn("No clustering pass has run in this process, skipping titles")
		return report, nil
	}
	return report, err
}

// Title names every cluster of untitled active posts. A cluster whose titled
// members hold one title in a majority, or in at least the minimum cluster
// size, passes it on to the rest. Otherwise clusters of at least the minimum
// size get a generated title from their medoid post, and the event id already
// registered for that title if there is one.
func (s *Service) Title(ctx context.Context, clustering *Clustering) (Report, error) {
	if clustering == nil || clustering.Model == nil {
		return Report{Stage: StageTitle}, ErrNotFitted
	}

	return s.run(ctx, StageTitle, func(ctx context.Context, report *Report) error {
		posts, err := s.store.UntitledPosts(ctx)
		if err != nil {
			return fmt.Errorf("load untitled posts: %w", err)
		}

		groups := lo.GroupBy(posts, func(post models.Post) models.Label {
			return *post.ClusterLabel
		})
		labels := lo.Keys(groups)
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		report.Candidates = len(labels)

		for _, label := range labels {
			titled, err := s.titleCluster(ctx, clustering, label, len(groups[label]))
			if err != nil {
				return err
			}
			if titled {
				report.Updated++
			} else {
				report.Skipped++
			}
		}
		return nil
	})
}

// titleCluster returns an error only for store failures
func (s *Service) titleCluster(ctx context.Context, clustering *Clustering, label models.Label, untitled int) (bool, error) {
	logger := log.WithField("cluster_label", label)

	existing, err := s.store.ClusterTitles(ctx, label)
	if err != nil {
		return false, fmt.Errorf("load titles of cluster %d: %w", label, err)
	}
	members := untitled + lo.SumBy(existing, func(t models.ClusterTitle) int { return t.Count })
	if inherited, ok := s.inheritedTitle(existing, members); ok {
		updated, err := s.store.AssignEvent(ctx, label, inherited.Title, inherited.EventId)
		if err != nil {
			return false, fmt.Errorf("assign event to cluster %d: %w", label, err)
		}
		logger.WithFields(log.Fields{
			"event_title": inherited.Title,
			"event_id":    inherited.EventId,
			"posts":       updated,
		}).Info("Cluster inherited existing title")
		return true, nil
	}
	if len(existing) > 0 {
		logger.WithField("event_title", existing[0].Title).Debug("Too few members carry the existing title, generating a new one")
	}

	if members < s.opts.Clustering.MinClusterSize {
		logger.WithField("posts", members).Debug("Cluster below minimum size, not titling")
		return false, nil
	}

	medoid, err := clustering.Medoid(label)
	if err != nil {
		logger.WithError(err).Warn("No medoid for cluster, skipping")
		return false, nil
	}

	representative, err := s.store.PostByEmbedding(ctx, medoid)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("Medoid post not found, skipping")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find medoid post of cluster %d: %w", label, err)
	}
	if representative.ClusterLabel == nil || *representative.ClusterLabel != label {
		logger.WithField("post_id", representative.Id).Warn("Medoid post has moved to another cluster, skipping")
		return false, nil
	}

	text := strings.TrimSpace(representative.Text)
	if text == "" {
		logger.WithField("post_id", representative.Id).Warn("Medoid post has no text, skipping")
		return false, nil
	}

	reply, err := s.generator.Generate(ctx, titlePrompt(text, s.opts.TitleMaxLength))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.WithError(err).Warn("Title generation failed, skipping")
		return false, nil
	}
	title := normalizeTitle(reply, s.opts.TitleMaxLength)
	if title == "" {
		logger.Warn("Title generation returned nothing, skipping")
		return false, nil
	}

	eventId, created, err := s.store.ResolveEventId(ctx, title)
	if err != nil {
		return false, fmt.Errorf("resolve event of %q: %w", title, err)
	}
	updated, err := s.store.AssignEvent(ctx, label, title, eventId)
	if err != nil {
		return false, fmt.Errorf("assign event to cluster %d: %w", label, err)
	}

	logger.WithFields(log.Fields{
		"event_title": title,
		"event_id":    eventId,
		"new_event":   created,
		"posts":       updated,
	}).Info("Titled cluster")
	return true, nil
}

// inheritedTitle picks the title a cluster of members active posts keeps. A
// few posts that drifted in from an older event do not pass their title on to
// a new story.
func (s *Service) inheritedTitle(existing []models.ClusterTitle, members int) (models.ClusterTitle, bool) {
	if len(existing) == 0 {
		return models.ClusterTitle{}, false
	}
	top := existing[0]
	return top, top.Count >= s.opts.Clustering.MinClusterSize || 2*top.Count > members
}
