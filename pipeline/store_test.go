package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"storyline/db"
	"storyline/models"

	"github.com/google/uuid"
)

// memStore is an in-memory Store following the semantics of db.DB
type memStore struct {
	mu     sync.Mutex
	posts  map[int64]*models.Post
	events map[string]string
	nextId int64
	writes int
	fail   error
}

func newMemStore() *memStore {
	return &memStore{
		posts:  map[int64]*models.Post{},
		events: map[string]string{},
	}
}

func (m *memStore) add(post models.Post) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextId++
	post.Id = m.nextId
	if post.SourceId == "" {
		post.SourceId = fmt.Sprintf("src-%d", post.Id)
	}
	if post.CreatedAt == "" {
		post.CreatedAt = models.FormatTime(time.Now())
	}
	m.posts[post.Id] = &post
	return post.Id
}

func (m *memStore) get(id int64) models.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.posts[id]
}

func (m *memStore) sorted(keep func(p *models.Post) bool) []models.Post {
	var out []models.Post
	for _, p := range m.posts {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (m *memStore) PostsPendingSummary(ctx context.Context) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return m.sorted(func(p *models.Post) bool {
		return !p.Archived && p.Summary == nil && p.Response == nil && p.Institution == nil
	}), nil
}

func (m *memStore) SaveSummary(ctx context.Context, postId int64, summary models.Summary) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	p := m.posts[postId]
	if p == nil || p.Summary != nil {
		return false, nil
	}
	m.writes++
	p.Summary, p.Response, p.Institution = &summary.Text, &summary.Response, &summary.Institution
	return true, nil
}

func (m *memStore) PostsPendingEmbedding(ctx context.Context) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(p *models.Post) bool {
		return !p.Archived && p.Summary != nil && *p.Summary != "" && p.Embedding == nil
	}), nil
}

func (m *memStore) SaveEmbedding(ctx context.Context, postId int64, embedding []float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.posts[postId]
	if p == nil || p.Embedding != nil {
		return false, nil
	}
	m.writes++
	p.Embedding = embedding
	return true, nil
}

func (m *memStore) EmbeddedPosts(ctx context.Context) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(p *models.Post) bool { return !p.Archived && p.Embedding != nil }), nil
}

func (m *memStore) SaveClusterLabels(ctx context.Context, assignments []models.LabelAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range assignments {
		p := m.posts[a.PostId]
		if p == nil || p.Archived {
			continue
		}
		m.writes++
		label := a.Label
		p.ClusterLabel = &label
		if label.IsNoise() {
			p.EventTitle, p.EventId = nil, nil
		}
	}
	return nil
}

func (m *memStore) UntitledPosts(ctx context.Context) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(p *models.Post) bool {
		return !p.Archived && p.ClusterLabel != nil && !p.ClusterLabel.IsNoise() && p.EventTitle == nil
	}), nil
}

func (m *memStore) ClusterTitles(ctx context.Context, label models.Label) ([]models.ClusterTitle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.ClusterTitle]int{}
	for _, p := range m.posts {
		if p.Archived || p.ClusterLabel == nil || *p.ClusterLabel != label || p.EventTitle == nil || p.EventId == nil {
			continue
		}
		counts[models.ClusterTitle{Label: label, Title: *p.EventTitle, EventId: *p.EventId}]++
	}
	var titles []models.ClusterTitle
	for title, count := range counts {
		title.Count = count
		titles = append(titles, title)
	}
	sort.Slice(titles, func(i, j int) bool {
		if titles[i].Count != titles[j].Count {
			return titles[i].Count > titles[j].Count
		}
		return titles[i].Title < titles[j].Title
	})
	return titles, nil
}

func (m *memStore) PostByEmbedding(ctx context.Context, vector []float64) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.sorted(func(p *models.Post) bool { return !p.Archived && slices.Equal(p.Embedding, vector) })
	if len(matches) == 0 {
		return models.Post{}, db.ErrNotFound
	}
	return matches[0], nil
}

func (m *memStore) ResolveEventId(ctx context.Context, title string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.events[title]; ok {
		return id, false, nil
	}
	id := uuid.New().String()
	m.events[title] = id
	return id, true, nil
}

func (m *memStore) AssignEvent(ctx context.Context, label models.Label, title, eventId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	for _, p := range m.posts {
		if p.Archived || p.ClusterLabel == nil || *p.ClusterLabel != label {
			continue
		}
		t, id := title, eventId
		p.EventTitle, p.EventId = &t, &id
		updated++
	}
	m.writes += int(updated)
	return updated, nil
}

func (m *memStore) EventActivity(ctx context.Context) ([]models.EventActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	times := map[string][]string{}
	for _, p := range m.sorted(func(p *models.Post) bool { return !p.Archived && p.EventTitle != nil }) {
		times[*p.EventTitle] = append(times[*p.EventTitle], p.CreatedAt)
	}
	var events []models.EventActivity
	for title, values := range times {
		events = append(events, models.EventActivity{Title: title, LastPostAt: models.LatestTime(values)})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Title < events[j].Title })
	return events, nil
}

func (m *memStore) MaxArchivedLabel(ctx context.Context) (models.Label, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		max   models.Label
		found bool
	)
	for _, p := range m.posts {
		if p.ArchivedClusterLabel != nil && (!found || *p.ArchivedClusterLabel > max) {
			max, found = *p.ArchivedClusterLabel, true
		}
	}
	return max, found, nil
}

func (m *memStore) ArchiveEvent(ctx context.Context, title string, label models.Label) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	for _, p := range m.posts {
		if p.Archived || p.EventTitle == nil || *p.EventTitle != title {
			continue
		}
		l := label
		p.Archived = true
		p.ClusterLabel = &l
		p.ArchivedClusterLabel = &l
		updated++
	}
	m.writes += int(updated)
	return updated, nil
}

func (m *memStore) DeleteStaleNoise(ctx context.Context, before time.Time) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, p := range m.posts {
		if p.Archived || p.ClusterLabel == nil || !p.ClusterLabel.IsNoise() {
			continue
		}
		created, err := models.ParseTime(p.CreatedAt)
		if err != nil || !created.Before(before) {
			continue
		}
		delete(m.posts, id)
		deleted++
	}
	return int(deleted), deleted, nil
}
