package pipeline

import (
	"context"
	"fmt"

	"storyline/models"

	log "github.com/sirupsen/logrus"
)

// Archive retires every event whose latest post is older than the archival
// horizon. Each retired event moves to its own label in the archived range,
// allocated after the largest archived label handed out so far.
func (s *Service) Archive(ctx context.Context) (Report, error) {
	return s.run(ctx, StageArchive, func(ctx context.Context, report *Report) error {
		events, err := s.store.EventActivity(ctx)
		if err != nil {
			return fmt.Errorf("load event activity: %w", err)
		}
		report.Candidates = len(events)

		horizon := s.now().Add(-s.opts.ArchiveAfter)
		var stale []models.EventActivity
		for _, event := range events {
			last, err := models.ParseTime(event.LastPostAt)
			if err != nil {
				log.WithFields(log.Fields{
					"event_title":  event.Title,
					"last_post_at": event.LastPostAt,
				}).Warn("Unparsable event activity time, skipping")
				report.Skipped++
				continue
			}
			if last.Before(horizon) {
				stale = append(stale, event)
			}
		}
		if len(stale) == 0 {
			return nil
		}

		next := models.ArchivedLabelBase
		if max, ok, err := s.store.MaxArchivedLabel(ctx); err != nil {
			return fmt.Errorf("load archived labels: %w", err)
		} else if ok && max >= next {
			next = max + 1
		}

		for i, event := range stale {
			label := next + models.Label(i)
			updated, err := s.store.ArchiveEvent(ctx, event.Title, label)
			if err != nil {
				return fmt.Errorf("archive event %q: %w", event.Title, err)
			}
			report.Updated++
			log.WithFields(log.Fields{
				"event_title":   event.Title,
				"last_post_at":  event.LastPostAt,
				"cluster_label": label,
				"posts":         updated,
			}).Info("Archived event")
		}
		return nil
	})
}

// Tidy deletes posts still labeled noise that are older than the retention horizon
func (s *Service) Tidy(ctx context.Context) (Report, error) {
	return s.run(ctx, StageTidy, func(ctx context.Context, report *Report) error {
		candidates, deleted, err := s.store.DeleteStaleNoise(ctx, s.now().Add(-s.opts.DeleteAfter))
		report.Candidates = candidates
		report.Updated = int(deleted)
		if err != nil {
			return fmt.Errorf("delete stale noise: %w", err)
		}
		return nil
	})
}
