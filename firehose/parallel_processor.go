package firehose

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ParallelProcessor drains the message queue with a fixed set of workers
type ParallelProcessor struct {
	workerQueue chan *RawMessage
	processors  []*PostProcessor
	wg          sync.WaitGroup
}

func NewParallelProcessor(maxWorkers int, maxQueueSize int, config Config, store PostWriter) (*ParallelProcessor, error) {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	pp := &ParallelProcessor{
		workerQueue: make(chan *RawMessage, maxQueueSize),
		processors:  make([]*PostProcessor, maxWorkers),
	}

	for i := range pp.processors {
		processor, err := NewPostProcessor(config, store)
		if err != nil {
			return nil, err
		}
		pp.processors[i] = processor
	}

	return pp, nil
}

// Queue returns the channel the websocket reader feeds
func (pp *ParallelProcessor) Queue() chan<- *RawMessage {
	return pp.workerQueue
}

func (pp *ParallelProcessor) Start(ctx context.Context) {
	for i, processor := range pp.processors {
		pp.wg.Add(1)
		go pp.startWorker(ctx, i, processor)
	}
}

// Wait blocks until every worker has stopped
func (pp *ParallelProcessor) Wait() {
	pp.wg.Wait()
}

func (pp *ParallelProcessor) startWorker(ctx context.Context, id int, processor *PostProcessor) {
	defer pp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Debugf("Worker %d: Shutting down", id)
			return
		case msg := <-pp.workerQueue:
			if err := processor.processPost(ctx, msg); err != nil {
				log.Errorf("Worker %d: Error processing message: %v", id, err)
			}
		}
	}
}
