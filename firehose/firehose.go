package firehose

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds configuration for the firehose processing
type Config struct {
	JetstreamHosts []string
	Compress       bool
	UserAgent      string
	Languages      []string
	MinWords       int
	Workers        int
}

// PostStore is the part of the store the subscription needs
type PostStore interface {
	PostWriter
	LatestPostTime(ctx context.Context) (time.Time, error)
}

// How far before the latest stored post a reconnect resumes
const cursorOverlap = 10 * time.Second

var reconnectDelay = time.Second

// Subscribe streams post creations from Jetstream into store until ctx is
// cancelled, reconnecting from the latest stored post whenever the
// connection drops
func Subscribe(ctx context.Context, store PostStore, config Config) error {
	pp, err := NewParallelProcessor(config.Workers, 1000, config, store)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	pp.Start(ctx)
	defer pp.Wait()
	defer cancel()

	for {
		var cursor int64
		latest, err := store.LatestPostTime(ctx)
		if err != nil {
			log.Errorf("Failed to get latest post timestamp: %v", err)
		} else if !latest.IsZero() {
			cursor = latest.Add(-cursorOverlap).UnixMicro()
		}

		conn, err := DialJetstream(ctx, JetstreamConfig{
			Hosts:             config.JetstreamHosts,
			WantedCollections: []string{postCollection},
			Cursor:            cursor,
			Compress:          config.Compress,
			UserAgent:         config.UserAgent,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		err = ReadMessages(ctx, conn, pp.Queue())
		if ctx.Err() != nil {
			log.Info("Firehose subscription stopped")
			return nil
		}
		log.WithError(err).Warn("Jetstream connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}
