package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storyline/db"
	"storyline/models"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	posts map[string]models.Post
	err   error
}

func (s *recordingStore) CreatePost(ctx context.Context, post models.Post) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.posts[post.SourceId]; ok {
		return false, nil
	}
	s.posts[post.SourceId] = post
	return true, nil
}

const importInput = `{"id":"p1","text":"Bridge closed after the storm","screen_name":"citynews","attitudes_count":3,"comments_count":1,"reposts_count":2,"created_at":"2024-10-27T08:00:00Z"}

{"id":"p1","text":"Bridge closed after the storm","screen_name":"citynews","created_at":"2024-10-27T08:00:00Z"}
not json
{"id":"","text":"no id","created_at":"2024-10-27T08:00:00Z"}
{"id":"p2","text":"Ferries cancelled","created_at":"yesterday"}
{"id":"p3","text":"Ferries cancelled","screen_name":"harbour","created_at":"2024-10-27 09:30:00","summary":"ignored"}
`

func TestImportPosts(t *testing.T) {
	store := &recordingStore{posts: map[string]models.Post{}}

	stats, err := importPosts(context.Background(), strings.NewReader(importInput), store)
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Created: 2, Duplicates: 1, Invalid: 3}, stats)

	assert.Equal(t, int64(3), store.posts["p1"].AttitudesCount)
	assert.Nil(t, store.posts["p3"].Summary)
	assert.Equal(t, "harbour", store.posts["p3"].ScreenName)
}

func TestImportStopsOnStoreFailure(t *testing.T) {
	store := &recordingStore{posts: map[string]models.Post{}, err: errors.New("disk full")}

	_, err := importPosts(context.Background(), strings.NewReader(importInput), store)
	assert.ErrorContains(t, err, "disk full")
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{})

	require.NoError(t, setupLogging("debug", "json"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, setupLogging("loud", "text"))
	assert.Error(t, setupLogging("info", "xml"))
}

func TestMigrateAndImportCommands(t *testing.T) {
	dir := t.TempDir()
	database := filepath.Join(dir, "storyline.db")
	input := filepath.Join(dir, "posts.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(importInput), 0o600))

	require.NoError(t, RootApp().Run([]string{"storyline", "--database", database, "migrate"}))
	require.NoError(t, RootApp().Run([]string{"storyline", "--database", database, "import", input}))
	// Importing again only finds duplicates
	require.NoError(t, RootApp().Run([]string{"storyline", "--database", database, "import", input}))

	store, err := db.Open("sqlite", database)
	require.NoError(t, err)
	defer store.Close()

	count, err := store.CountPosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	err := RootApp().Run([]string{"storyline", "--database-driver", "mysql", "migrate"})
	assert.ErrorContains(t, err, "database.driver")
}
