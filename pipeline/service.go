// Package pipeline runs the enrichment and clustering stages over the post store.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"storyline/cluster"
	"storyline/lock"
	"storyline/models"

	log "github.com/sirupsen/logrus"
)

// Stage names, also used as lock names and metric labels
const (
	StageSummarize = "summarize"
	StageEmbed     = "embed"
	StageCluster   = "cluster"
	StageTitle     = "title"
	StageArchive   = "archive"
	StageTidy      = "tidy"
)

// ErrNotFitted is returned when titling is requested before any clustering pass
var ErrNotFitted = errors.New("no clustering result available")

// Store is the post store as seen by the stages
type Store interface {
	PostsPendingSummary(ctx context.Context) ([]models.Post, error)
	SaveSummary(ctx context.Context, postId int64, summary models.Summary) (bool, error)
	PostsPendingEmbedding(ctx context.Context) ([]models.Post, error)
	SaveEmbedding(ctx context.Context, postId int64, embedding []float64) (bool, error)
	EmbeddedPosts(ctx context.Context) ([]models.Post, error)
	SaveClusterLabels(ctx context.Context, assignments []models.LabelAssignment) error
	UntitledPosts(ctx context.Context) ([]models.Post, error)
	ClusterTitles(ctx context.Context, label models.Label) ([]models.ClusterTitle, error)
	PostByEmbedding(ctx context.Context, vector []float64) (models.Post, error)
	ResolveEventId(ctx context.Context, title string) (string, bool, error)
	AssignEvent(ctx context.Context, label models.Label, title, eventId string) (int64, error)
	EventActivity(ctx context.Context) ([]models.EventActivity, error)
	MaxArchivedLabel(ctx context.Context) (models.Label, bool, error)
	ArchiveEvent(ctx context.Context, title string, label models.Label) (int64, error)
	DeleteStaleNoise(ctx context.Context, before time.Time) (int, int64, error)
}

// Generator produces text from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Options struct {
	Workers          int
	SummaryMaxLength int
	TitleMaxLength   int
	Clustering       cluster.Params
	ArchiveAfter     time.Duration
	DeleteAfter      time.Duration
}

// Report summarizes one stage invocation
type Report struct {
	Stage      string `json:"stage"`
	Candidates int    `json:"candidates"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
}

func (r Report) fields() log.Fields {
	return log.Fields{
		"stage":      r.Stage,
		"candidates": r.Candidates,
		"updated":    r.Updated,
		"skipped":    r.Skipped,
	}
}

// Service runs the stages. Every stage may be invoked at any time and only
// advances records that have not reached it yet.
type Service struct {
	store     Store
	generator Generator
	embedder  Embedder
	locker    lock.Locker
	opts      Options
	now       func() time.Time

	mu     sync.Mutex
	latest *Clustering
}

func NewService(store Store, generator Generator, embedder Embedder, locker lock.Locker, opts Options) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Service{
		store:     store,
		generator: generator,
		embedder:  embedder,
		locker:    locker,
		opts:      opts,
		now:       time.Now,
	}
}

// Latest returns the clustering result of the most recent pass in this process
func (s *Service) Latest() *Clustering {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *Service) setLatest(c *Clustering) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = c
}

// run holds the stage lock around fn and records the outcome
func (s *Service) run(ctx context.Context, stage string, fn func(ctx context.Context, report *Report) error) (Report, error) {
	report := Report{Stage: stage}

	unlock, err := s.locker.TryLock(ctx, stage)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			stageRuns.WithLabelValues(stage, "busy").Inc()
			log.WithField("stage", stage).Warn("Stage is already running")
		}
		return report, err
	}
	defer unlock()

	start := time.Now()
	log.WithField("stage", stage).Info("Starting stage")

	if err := fn(ctx, &report); err != nil {
		stageRuns.WithLabelValues(stage, "error").Inc()
		log.WithFields(report.fields()).WithError(err).Error("Stage failed")
		return report, err
	}

	stageRuns.WithLabelValues(stage, "ok").Inc()
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	stageRecords.WithLabelValues(stage, "updated").Add(float64(report.Updated))
	stageRecords.WithLabelValues(stage, "skipped").Add(float64(report.Skipped))
	log.WithFields(report.fields()).WithField("duration", time.Since(start)).Info("Stage finished")
	return report, nil
}

// RunAll runs every stage once in pipeline order and stops at the first failure
func (s *Service) RunAll(ctx context.Context) ([]Report, error) {
	var reports []Report

	steps := []func(ctx context.Context) (Report, error){
		s.Summarize,
		s.Embed,
		func(ctx context.Context) (Report, error) {
			clustering, report, err := s.Cluster(ctx)
			if err != nil || clustering == nil {
				return report, err
			}
			reports = append(reports, report)
			return s.Title(ctx, clustering)
		},
		s.Archive,
		s.Tidy,
	}

	for _, step := range steps {
		report, err := step(ctx)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
