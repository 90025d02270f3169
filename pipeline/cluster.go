package pipeline

import (
	"context"
	"fmt"

	"storyline/cluster"
	"storyline/models"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Clustering is the outcome of one clustering pass
type Clustering struct {
	Model *cluster.Model
}

// Medoid returns the weighted medoid embedding of a live cluster
func (c *Clustering) Medoid(label models.Label) ([]float64, error) {
	if c == nil || c.Model == nil {
		return nil, ErrNotFitted
	}
	return c.Model.WeightedMedoid(int(label))
}

// Cluster relabels every active embedded post from a fresh fit over the whole
// set. Posts whose embedding does not match the dimension of the first post are
// labeled noise. An empty set leaves the store untouched and returns no result.
func (s *Service) Cluster(ctx context.Context) (*Clustering, Report, error) {
	var clustering *Clustering

	report, err := s.run(ctx, StageCluster, func(ctx context.Context, report *Report) error {
		posts, err := s.store.EmbeddedPosts(ctx)
		if err != nil {
			return fmt.Errorf("load embedded posts: %w", err)
		}
		report.Candidates = len(posts)
		if len(posts) == 0 {
			log.Info("No embedded posts to cluster")
			return nil
		}

		dims := len(posts[0].Embedding)
		if dims == 0 {
			return fmt.Errorf("post %d has an empty embedding", posts[0].Id)
		}
		var (
			rows        []float64
			ids         []int64
			assignments = make([]models.LabelAssignment, 0, len(posts))
		)
		for _, post := range posts {
			if len(post.Embedding) != dims {
				log.WithFields(log.Fields{
					"post_id":  post.Id,
					"expected": dims,
					"actual":   len(post.Embedding),
				}).Warn("Embedding dimension mismatch, labeling as noise")
				assignments = append(assignments, models.LabelAssignment{PostId: post.Id, Label: models.NoiseLabel})
				report.Skipped++
				continue
			}
			rows = append(rows, post.Embedding...)
			ids = append(ids, post.Id)
		}

		model, err := cluster.Fit(mat.NewDense(len(ids), dims, rows), s.opts.Clustering)
		if err != nil {
			return fmt.Errorf("fit clusters: %w", err)
		}

		var noise int
		for i, label := range model.Labels {
			if models.Label(label) > models.MaxLiveLabel {
				return fmt.Errorf("cluster label %d exceeds the live label range", label)
			}
			if label == cluster.Noise {
				noise++
			}
			assignments = append(assignments, models.LabelAssignment{PostId: ids[i], Label: models.Label(label)})
		}

		if err := s.store.SaveClusterLabels(ctx, assignments); err != nil {
			return fmt.Errorf("save cluster labels: %w", err)
		}
		report.Updated = len(assignments)

		clustering = &Clustering{Model: model}
		s.setLatest(clustering)

		clustersFound.Set(float64(len(model.Clusters())))
		noisePosts.Set(float64(noise + report.Skipped))
		log.WithFields(log.Fields{
			"posts":    len(posts),
			"clusters": len(model.Clusters()),
			"noise":    noise + report.Skipped,
		}).Info("Clustered posts")
		return nil
	})

	return clustering, report, err
}
