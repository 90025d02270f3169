package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storyline/lock"
	"storyline/models"
	"storyline/pipeline"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cache"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// Reader is the read side of the post store
type Reader interface {
	ActiveEvents(ctx context.Context, page, pageSize, minPosts int) (models.EventsPage, error)
	EventPosts(ctx context.Context, eventId string) ([]models.EventPost, error)
	ValidClusters(ctx context.Context) ([]models.ValidCluster, error)
	CountPosts(ctx context.Context) (int64, error)
}

// Pipeline is the set of stages that can be triggered over HTTP
type Pipeline interface {
	Summarize(ctx context.Context) (pipeline.Report, error)
	Embed(ctx context.Context) (pipeline.Report, error)
	Cluster(ctx context.Context) (*pipeline.Clustering, pipeline.Report, error)
	TitleLatest(ctx context.Context) (pipeline.Report, error)
	Archive(ctx context.Context) (pipeline.Report, error)
	Tidy(ctx context.Context) (pipeline.Report, error)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type ServerConfig struct {
	// The reader to use for reading events
	Reader Reader

	// The stages exposed by the trigger endpoints
	Pipeline Pipeline

	// Broadcast channel to pass stage reports to SSE clients
	Broadcaster *Broadcaster

	// How long GET responses are cached, zero disables caching
	CacheExpiration time.Duration

	// Optional directory holding a built dashboard to serve at /
	StaticDir string
}

type processResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Report  *pipeline.Report `json:"report,omitempty"`
}

// Returns a fiber.App instance to be used as the HTTP server of the event API
func Server(config *ServerConfig) *fiber.App {
	bc := config.Broadcaster
	if bc == nil {
		bc = NewBroadcaster()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			return c.Status(code).JSON(processResponse{Status: "error", Message: err.Error()})
		},
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		log.WithFields(log.Fields{
			"method":     c.Method(),
			"route":      c.Route().Path,
			"status":     c.Response().StatusCode(),
			"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
			"latency":    time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.Config{
		Generator: func() string { return uuid.New().String() },
	}))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "*",
	}))

	app.Use(cache.New(cache.Config{
		Next: func(c *fiber.Ctx) bool {
			if config.CacheExpiration <= 0 || c.Method() != fiber.MethodGet {
				return true
			}
			// Only cache the read endpoints
			return !strings.HasPrefix(c.Path(), "/api/events") && c.Path() != "/api/valid_clusters"
		},
		Expiration: config.CacheExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			// Include the query parameters in the cache key. Any stage run starts a
			// new generation so archived events never outlive a trigger.
			return fmt.Sprintf("%d|%s", bc.Generation(), c.Request().URI().String())
		},
	}))

	app.Get("/api/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "message": "event API is running"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/api/test", func(c *fiber.Ctx) error {
		count, err := config.Reader.CountPosts(c.UserContext())
		if err != nil {
			log.WithError(err).Error("Error counting posts")
			return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("store connection failed: %v", err))
		}
		return c.JSON(fiber.Map{
			"status":  "success",
			"message": fmt.Sprintf("store connection ok, %d posts", count),
			"count":   count,
		})
	})

	app.Get("/api/events", func(c *fiber.Ctx) error {
		page := c.QueryInt("page", 1)
		if page < 1 {
			page = 1
		}
		pageSize := c.QueryInt("page_size", defaultPageSize)
		if pageSize < 1 || pageSize > maxPageSize {
			pageSize = defaultPageSize
		}
		minPosts := c.QueryInt("min_posts", 0)

		events, err := config.Reader.ActiveEvents(c.UserContext(), page, pageSize, minPosts)
		if err != nil {
			log.WithError(err).Error("Error getting events")
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		log.WithFields(log.Fields{
			"page":   page,
			"count":  len(events.Events),
			"total":  events.Total,
			"filter": minPosts,
		}).Debug("Get events")
		return c.JSON(events)
	})

	app.Get("/api/events/:id/posts", func(c *fiber.Ctx) error {
		posts, err := config.Reader.EventPosts(c.UserContext(), c.Params("id"))
		if err != nil {
			log.WithError(err).Error("Error getting event posts")
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"posts": posts})
	})

	app.Get("/api/valid_clusters", func(c *fiber.Ctx) error {
		clusters, err := config.Reader.ValidClusters(c.UserContext())
		if err != nil {
			log.WithError(err).Error("Error getting clusters")
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"clusters": clusters})
	})

	trigger := func(message string, stage func(ctx context.Context) (pipeline.Report, error)) fiber.Handler {
		return func(c *fiber.Ctx) error {
			report, err := stage(c.UserContext())
			if err != nil {
				if errors.Is(err, lock.ErrBusy) {
					return fiber.NewError(fiber.StatusConflict, err.Error())
				}
				// Part of the batch may have been written
				bc.Invalidate()
				return fiber.NewError(fiber.StatusInternalServerError, err.Error())
			}
			bc.BroadcastReport(report)
			return c.JSON(processResponse{Status: "success", Message: message, Report: &report})
		}
	}

	p := config.Pipeline
	app.Post("/api/process/summary", trigger("summaries generated", p.Summarize))
	app.Post("/api/process/embedding", trigger("embeddings generated", p.Embed))
	app.Post("/api/cluster/hdbscan", trigger("clustering finished", func(ctx context.Context) (pipeline.Report, error) {
		_, report, err := p.Cluster(ctx)
		return report, err
	}))
	app.Post("/api/cluster/titles", trigger("titles generated", p.TitleLatest))
	app.Post("/api/process/archive_inactive_events", trigger("inactive events archived", p.Archive))
	app.Post("/api/process/delete_old", trigger("stale posts deleted", p.Tidy))

	app.Get("/api/stream", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		reports := make(chan pipeline.Report, 10)
		alive := time.NewTicker(5 * time.Second)

		bc.AddClient(key, reports)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer alive.Stop()
			defer bc.RemoveClient(key)

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-alive.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case report, ok := <-reports:
					if !ok {
						return
					}
					data, err := json.Marshal(report)
					if err != nil {
						log.Errorf("Error marshalling report for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: report\ndata: %s\n\n", data); err != nil {
						log.Warnf("Failed to send report to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush report for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	if config.StaticDir != "" {
		// Serve the dashboard, falling back to its index for client side routes
		app.Use("/", filesystem.New(filesystem.Config{
			Root:         http.Dir(config.StaticDir),
			Index:        "index.html",
			NotFoundFile: "index.html",
		}))
	} else {
		app.Get("/", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "ok", "message": "event API is running"})
		})
	}

	return app
}
