package cmd

import (
	"context"
	"fmt"
	"time"

	"storyline/cluster"
	"storyline/config"
	"storyline/db"
	"storyline/llm"
	"storyline/lock"
	"storyline/pipeline"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// loadConfig reads the configuration file and applies the global flag overrides
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("database-driver") {
		cfg.Database.Driver = ctx.String("database-driver")
	}
	if ctx.IsSet("database") {
		cfg.Database.DSN = ctx.String("database")
	}
	if ctx.IsSet("generation-api-key") {
		cfg.Generation.APIKey = ctx.String("generation-api-key")
	}
	if ctx.IsSet("embedding-api-key") {
		cfg.Embedding.APIKey = ctx.String("embedding-api-key")
	}
	if ctx.IsSet("redis") {
		cfg.Locks.RedisAddr = ctx.String("redis")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func modelConfig(m config.TomlModel) llm.Config {
	return llm.Config{
		Provider:          m.Provider,
		Model:             m.Model,
		APIKey:            m.APIKey,
		APIURL:            m.APIURL,
		Temperature:       m.Temperature,
		RequestsPerMinute: m.RequestsPerMinute,
	}
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	day := 24 * time.Hour
	return pipeline.Options{
		Workers:          cfg.Pipeline.Workers,
		SummaryMaxLength: cfg.Pipeline.SummaryMaxLength,
		TitleMaxLength:   cfg.Pipeline.TitleMaxLength,
		Clustering: cluster.Params{
			MinClusterSize:     cfg.Clustering.MinClusterSize,
			MinSamples:         cfg.Clustering.MinSamples,
			Epsilon:            cfg.Clustering.Epsilon,
			AllowSingleCluster: cfg.Clustering.AllowSingleCluster,
		},
		ArchiveAfter: time.Duration(cfg.Retention.ArchiveAfterDays) * day,
		DeleteAfter:  time.Duration(cfg.Retention.DeleteAfterDays) * day,
	}
}

// app bundles the pieces every pipeline command needs
type app struct {
	cfg     *config.Config
	db      *db.DB
	service *pipeline.Service
	redis   *redis.Client
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}
}

func newApp(ctx *cli.Context) (*app, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	generator, err := llm.NewGenerator(modelConfig(cfg.Generation))
	if err != nil {
		database.Close()
		return nil, err
	}
	embedder, err := llm.NewEmbedder(modelConfig(cfg.Embedding))
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{cfg: cfg, db: database}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Locks.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Locks.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Locks.RedisAddr, err)
		}
		locker = lock.NewRedis(a.redis, cfg.Locks.Prefix, cfg.LockTTL())
		log.WithField("addr", cfg.Locks.RedisAddr).Info("Using redis stage locks")
	}

	a.service = pipeline.NewService(database, generator, embedder, locker, pipelineOptions(cfg))
	return a, nil
}
