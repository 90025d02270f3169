package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"storyline/db"
	"storyline/models"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// ImportStats counts the outcome of an import
type ImportStats struct {
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

type postCreator interface {
	CreatePost(ctx context.Context, post models.Post) (bool, error)
}

// importPosts reads one JSON post per line. Malformed lines are logged and
// skipped, store failures stop the import.
func importPosts(ctx context.Context, r io.Reader, store postCreator) (ImportStats, error) {
	var stats ImportStats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var post models.Post
		if err := json.Unmarshal([]byte(text), &post); err != nil {
			log.WithField("line", line).WithError(err).Warn("Skipping malformed post")
			stats.Invalid++
			continue
		}
		if post.SourceId == "" || strings.TrimSpace(post.Text) == "" {
			log.WithField("line", line).Warn("Skipping post without id or text")
			stats.Invalid++
			continue
		}
		if _, err := models.ParseTime(post.CreatedAt); err != nil {
			log.WithFields(log.Fields{"line": line, "created_at": post.CreatedAt}).Warn("Skipping post with unparsable created_at")
			stats.Invalid++
			continue
		}

		created, err := store.CreatePost(ctx, models.Post{
			SourceId:       post.SourceId,
			Text:           post.Text,
			ScreenName:     post.ScreenName,
			AttitudesCount: post.AttitudesCount,
			CommentsCount:  post.CommentsCount,
			RepostsCount:   post.RepostsCount,
			CreatedAt:      post.CreatedAt,
		})
		if err != nil {
			return stats, fmt.Errorf("line %d: %w", line, err)
		}
		if created {
			stats.Created++
		} else {
			stats.Duplicates++
		}
	}

	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read posts: %w", err)
	}
	return stats, nil
}

func importCmd() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import posts from JSON lines",
		ArgsUsage: "[file]",
		Description: `Reads posts as JSON objects, one per line, from the given file or from
		stdin and stores them. Posts already stored are left untouched.

		{"id": "...", "text": "...", "screen_name": "...", "attitudes_count": 0,
		 "comments_count": 0, "reposts_count": 0, "created_at": "2024-10-27T08:00:00Z"}`,
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			var input io.Reader = os.Stdin
			if path := ctx.Args().First(); path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()
				input = f
			}

			stats, err := importPosts(ctx.Context, input, database)
			log.WithFields(log.Fields{
				"created":    stats.Created,
				"duplicates": stats.Duplicates,
				"invalid":    stats.Invalid,
			}).Info("Import finished")
			return err
		},
	}
}
