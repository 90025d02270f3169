package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storyline/lock"
	"storyline/models"
	"storyline/pipeline"
	"storyline/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	page     models.EventsPage
	posts    map[string][]models.EventPost
	clusters []models.ValidCluster
	count    int64
	err      error

	calls    int
	lastPage [3]int
}

func (r *fakeReader) ActiveEvents(ctx context.Context, page, pageSize, minPosts int) (models.EventsPage, error) {
	r.calls++
	r.lastPage = [3]int{page, pageSize, minPosts}
	result := r.page
	result.Page, result.PageSize = page, pageSize
	return result, r.err
}

func (r *fakeReader) EventPosts(ctx context.Context, eventId string) ([]models.EventPost, error) {
	return r.posts[eventId], r.err
}

func (r *fakeReader) ValidClusters(ctx context.Context) ([]models.ValidCluster, error) {
	return r.clusters, r.err
}

func (r *fakeReader) CountPosts(ctx context.Context) (int64, error) {
	return r.count, r.err
}

type fakePipeline struct {
	err   error
	stage string
}

func (p *fakePipeline) report(stage string) (pipeline.Report, error) {
	p.stage = stage
	if p.err != nil {
		return pipeline.Report{}, p.err
	}
	return pipeline.Report{Stage: stage, Candidates: 3, Updated: 2, Skipped: 1}, nil
}

func (p *fakePipeline) Summarize(ctx context.Context) (pipeline.Report, error) {
	return p.report(pipeline.StageSummarize)
}

func (p *fakePipeline) Embed(ctx context.Context) (pipeline.Report, error) {
	return p.report(pipeline.StageEmbed)
}

func (p *fakePipeline) Cluster(ctx context.Context) (*pipeline.Clustering, pipeline.Report, error) {
	report, err := p.report(pipeline.StageCluster)
	return nil, report, err
}

func (p *fakePipeline) TitleLatest(ctx context.Context) (pipeline.Report, error) {
	return p.report(pipeline.StageTitle)
}

func (p *fakePipeline) Archive(ctx context.Context) (pipeline.Report, error) {
	return p.report(pipeline.StageArchive)
}

func (p *fakePipeline) Tidy(ctx context.Context) (pipeline.Report, error) {
	return p.report(pipeline.StageTidy)
}

func decode(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, target), string(body))
}

func TestReadEndpoints(t *testing.T) {
	reader := &fakeReader{
		count: 42,
		page: models.EventsPage{
			Total: 1,
			Events: []models.Event{{
				EventId:      "e-1",
				EventTitle:   "Bridge closure",
				ClusterLabel: 0,
				Posts:        []models.EventPost{{Id: "p-1", Text: "bridge closed"}},
			}},
		},
		posts: map[string][]models.EventPost{
			"e-1": {{Id: "p-1", Text: "bridge closed", Response: 1}},
		},
		clusters: []models.ValidCluster{{EventId: "e-1", EventTitle: "Bridge closure"}},
	}
	app := server.Server(&server.ServerConfig{Reader: reader, Pipeline: &fakePipeline{}})

	t.Run("root", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		decode(t, resp, &body)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("test connection", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/test", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Status string `json:"status"`
			Count  int64  `json:"count"`
		}
		decode(t, resp, &body)
		assert.Equal(t, "success", body.Status)
		assert.Equal(t, int64(42), body.Count)
	})

	t.Run("events", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/events?page=2&page_size=5&min_posts=3", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var page models.EventsPage
		decode(t, resp, &page)
		assert.Equal(t, [3]int{2, 5, 3}, reader.lastPage)
		assert.Equal(t, 1, page.Total)
		require.Len(t, page.Events, 1)
		assert.Equal(t, "Bridge closure", page.Events[0].EventTitle)
	})

	t.Run("event posts", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/events/e-1/posts", nil))
		require.NoError(t, err)

		var body struct {
			Posts []models.EventPost `json:"posts"`
		}
		decode(t, resp, &body)
		require.Len(t, body.Posts, 1)
		assert.Equal(t, 1, body.Posts[0].Response)
	})

	t.Run("valid clusters", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/valid_clusters", nil))
		require.NoError(t, err)

		var body struct {
			Clusters []models.ValidCluster `json:"clusters"`
		}
		decode(t, resp, &body)
		require.Len(t, body.Clusters, 1)
		assert.Equal(t, "e-1", body.Clusters[0].EventId)
	})
}

func TestEventsPagingDefaults(t *testing.T) {
	reader := &fakeReader{}
	app := server.Server(&server.ServerConfig{Reader: reader, Pipeline: &fakePipeline{}})

	tests := []struct {
		query string
		want  [3]int
	}{
		{query: "", want: [3]int{1, 20, 0}},
		{query: "?page=0&page_size=500", want: [3]int{1, 20, 0}},
		{query: "?page=-3&page_size=100", want: [3]int{1, 100, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/events"+tt.query, nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.want, reader.lastPage)
		})
	}
}

func TestReadFailuresReturnServerError(t *testing.T) {
	reader := &fakeReader{err: errors.New("database is locked")}
	app := server.Server(&server.ServerConfig{Reader: reader, Pipeline: &fakePipeline{}})

	for _, path := range []string{"/api/test", "/api/events", "/api/events/e-1/posts", "/api/valid_clusters"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, path)

		var body map[string]string
		decode(t, resp, &body)
		assert.Equal(t, "error", body["status"])
		assert.Contains(t, body["message"], "database is locked")
	}
}

func TestTriggers(t *testing.T) {
	routes := map[string]string{
		"/api/process/summary":                 pipeline.StageSummarize,
		"/api/process/embedding":               pipeline.StageEmbed,
		"/api/cluster/hdbscan":                 pipeline.StageCluster,
		"/api/cluster/titles":                  pipeline.StageTitle,
		"/api/process/archive_inactive_events": pipeline.StageArchive,
		"/api/process/delete_old":              pipeline.StageTidy,
	}

	for path, stage := range routes {
		t.Run(path, func(t *testing.T) {
			p := &fakePipeline{}
			app := server.Server(&server.ServerConfig{Reader: &fakeReader{}, Pipeline: p})

			resp, err := app.Test(httptest.NewRequest(http.MethodPost, path, nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, stage, p.stage)

			var body struct {
				Status string          `json:"status"`
				Report pipeline.Report `json:"report"`
			}
			decode(t, resp, &body)
			assert.Equal(t, "success", body.Status)
			assert.Equal(t, stage, body.Report.Stage)
			assert.Equal(t, 2, body.Report.Updated)
		})
	}
}

func TestTriggerFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "stage error", err: errors.New("embedding service down"), code: http.StatusInternalServerError},
		{name: "stage busy", err: lock.ErrBusy, code: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := server.Server(&server.ServerConfig{Reader: &fakeReader{}, Pipeline: &fakePipeline{err: tt.err}})

			resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/process/embedding", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)

			var body map[string]string
			decode(t, resp, &body)
			assert.Equal(t, "error", body["status"])
		})
	}
}

func TestEventsAreCached(t *testing.T) {
	reader := &fakeReader{}
	app := server.Server(&server.ServerConfig{
		Reader:          reader,
		Pipeline:        &fakePipeline{},
		CacheExpiration: time.Minute,
	})

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/events?page=1", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 1, reader.calls)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/events?page=2", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, reader.calls)
}

func TestTriggerInvalidatesCachedReads(t *testing.T) {
	reader := &fakeReader{}
	app := server.Server(&server.ServerConfig{
		Reader:          reader,
		Pipeline:        &fakePipeline{},
		CacheExpiration: time.Minute,
	})

	get := func() {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/events", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	get()
	get()
	assert.Equal(t, 1, reader.calls)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/process/archive_inactive_events", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	get()
	assert.Equal(t, 2, reader.calls)
	get()
	assert.Equal(t, 2, reader.calls)
}

func TestMetricsEndpoint(t *testing.T) {
	app := server.Server(&server.ServerConfig{Reader: &fakeReader{}, Pipeline: &fakePipeline{}})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcasterDeliversReports(t *testing.T) {
	bc := server.NewBroadcaster()
	client := make(chan pipeline.Report, 1)
	bc.AddClient("a", client)

	bc.BroadcastReport(pipeline.Report{Stage: pipeline.StageTidy, Updated: 4})
	report := <-client
	assert.Equal(t, pipeline.StageTidy, report.Stage)

	// A full channel drops the report instead of blocking
	client <- pipeline.Report{}
	bc.BroadcastReport(pipeline.Report{Stage: pipeline.StageArchive})
	assert.Len(t, client, 1)

	bc.RemoveClient("a")
	_, open := <-client
	assert.True(t, open)
	_, open = <-client
	assert.False(t, open)
}
