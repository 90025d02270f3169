package server

import (
	"sync"
	"sync/atomic"

	"storyline/pipeline"

	log "github.com/sirupsen/logrus"
)

// Broadcaster fans stage reports out to connected SSE clients. It also counts
// stage runs so cached reads can tell when the data may have changed.
type Broadcaster struct {
	sync.RWMutex
	clients    map[string]chan pipeline.Report
	generation atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan pipeline.Report),
	}
}

func (b *Broadcaster) BroadcastReport(report pipeline.Report) {
	b.Invalidate()

	b.RLock()
	defer b.RUnlock()

	for id, client := range b.clients {
		select {
		case client <- report: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping report for client: %v", id)
		}
	}
}

// Invalidate marks every cached read as stale
func (b *Broadcaster) Invalidate() {
	b.generation.Add(1)
}

// Generation changes whenever a stage has run
func (b *Broadcaster) Generation() uint64 {
	return b.generation.Load()
}

// Function to add a client to the broadcaster
func (b *Broadcaster) AddClient(key string, client chan pipeline.Report) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = client
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

// Function to remove a client from the broadcaster
func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[key]; ok {
		close(client)
		delete(b.clients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client)
		delete(b.clients, key)
	}
}
