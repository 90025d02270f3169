package firehose

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyline_jetstream_connection_attempts_total",
		Help: "The total number of connection attempts to the Jetstream websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyline_jetstream_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyline_jetstream_current_connections",
		Help: "The current number of active Jetstream websocket connections",
	})

	wsConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyline_jetstream_connection_duration_seconds",
		Help:    "Duration of Jetstream websocket connections",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	wsPingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyline_jetstream_ping_latency_seconds",
		Help:    "Latency of websocket ping/pong round trips",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyline_jetstream_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

// JetstreamConfig holds configuration for the Jetstream connection
type JetstreamConfig struct {
	// Hosts is a list of Jetstream endpoints to try in order
	Hosts             []string
	WantedCollections []string
	Cursor            int64
	Compress          bool
	UserAgent         string
}

// RawMessage represents an unparsed message from the websocket
type RawMessage struct {
	MessageType int
	Data        []byte
}

func subscribeURL(host string, config JetstreamConfig) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/subscribe", host))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	for _, collection := range config.WantedCollections {
		q.Add("wantedCollections", collection)
	}
	if config.Cursor != 0 {
		q.Set("cursor", strconv.FormatInt(config.Cursor, 10))
	}
	if config.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialJetstream connects to the first reachable host, rotating through the
// hosts and backing off once all of them have failed
func DialJetstream(ctx context.Context, config JetstreamConfig) (*websocket.Conn, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided in config")
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	headers := http.Header{}
	if config.UserAgent != "" {
		headers.Set("User-Agent", config.UserAgent)
	}
	if config.Compress {
		headers.Set("Accept-Encoding", "zstd")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = 0 // Never stop retrying

	current := 0
	for {
		host := config.Hosts[current]
		target, err := subscribeURL(host, config)
		if err != nil {
			return nil, err
		}

		wsConnectionAttempts.Inc()
		conn, _, err := dialer.DialContext(ctx, target, headers)
		if err == nil {
			log.WithFields(log.Fields{"host": host, "cursor": config.Cursor}).Info("Connected to Jetstream")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wsConnectionErrors.Inc()
		log.Errorf("Error connecting to Jetstream host %s: %s", host, err)

		next := (current + 1) % len(config.Hosts)
		if next != 0 {
			wsHostSwitches.WithLabelValues(host, config.Hosts[next]).Inc()
			log.Infof("Switching from host %s to %s", host, config.Hosts[next])
			current = next
			continue
		}
		current = next

		// Every host failed, wait before starting over
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("WebSocket connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		log.Debug("Received ping from server")
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong keeps the connection alive and measures round trips
func managePingPong(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingStart := time.Now()
			conn.SetPongHandler(func(appData string) error {
				wsPingLatency.Observe(time.Since(pingStart).Seconds())
				return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			})

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection for restart: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}

// ReadMessages forwards every message on conn to queue until the connection
// fails or ctx is cancelled. The connection is closed on return.
func ReadMessages(ctx context.Context, conn *websocket.Conn, queue chan<- *RawMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsCurrentConnections.Inc()
	start := time.Now()
	defer func() {
		wsConnectionDuration.Observe(time.Since(start).Seconds())
		wsCurrentConnections.Dec()
	}()

	setupConnectionHandlers(conn)
	go managePingPong(ctx, conn)
	go func() {
		// Unblock ReadMessage when the caller gives up
		<-ctx.Done()
		conn.Close()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wsConnectionErrors.Inc()
			return fmt.Errorf("websocket read failed: %w", err)
		}

		select {
		case queue <- &RawMessage{MessageType: messageType, Data: message}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
