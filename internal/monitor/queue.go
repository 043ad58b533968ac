package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gatewarden/gatewarden/internal/domain"
)

const defaultQueueDepth = 64

// EventHandler consumes classified deployment events. Satisfied by the
// incident manager.
type EventHandler interface {
	HandleEvent(ctx context.Context, event domain.DeploymentEvent)
}

// keyedQueue dispatches events to the handler with per-deployment ordering:
// events for one deployment id are handled strictly in arrival order, while
// different deployments proceed in parallel.
type keyedQueue struct {
	handler EventHandler
	depth   int

	mu     sync.Mutex
	lanes  map[string]chan domain.DeploymentEvent
	closed bool
	wg     sync.WaitGroup

	baseCtx context.Context
}

func newKeyedQueue(ctx context.Context, handler EventHandler) *keyedQueue {
	return &keyedQueue{
		handler: handler,
		depth:   defaultQueueDepth,
		lanes:   make(map[string]chan domain.DeploymentEvent),
		baseCtx: ctx,
	}
}

// push enqueues an event on its deployment's lane, starting a consumer
// goroutine for the lane on first use. Returns false after close or when the
// lane is full; a full lane means the handler is persistently behind, and
// dropping beats blocking the ingest path.
func (q *keyedQueue) push(event domain.DeploymentEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	lane, ok := q.lanes[event.DeploymentID]
	if !ok {
		lane = make(chan domain.DeploymentEvent, q.depth)
		q.lanes[event.DeploymentID] = lane
		q.wg.Add(1)
		go q.consume(lane)
	}
	q.mu.Unlock()

	select {
	case lane <- event:
		return true
	default:
		slog.Warn("event lane full, dropping event",
			"deployment_id", event.DeploymentID, "kind", event.Kind)
		return false
	}
}

func (q *keyedQueue) consume(lane chan domain.DeploymentEvent) {
	defer q.wg.Done()
	for event := range lane {
		q.handler.HandleEvent(q.baseCtx, event)
	}
}

// close drains all lanes and waits for in-flight handlers.
func (q *keyedQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
