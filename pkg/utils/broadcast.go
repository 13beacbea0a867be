package utils

import (
	"sync"
	"time"

	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/google/uuid"
)

type BroadcastConsumer[E any] struct {
	Chan      chan E
	ID        string
	Broadcast *Broadcast[E]
}

// Fan-out of events to any number of consumers.
// Consumers that fall more than a channel buffer behind stall
// the producer; a warning is logged after a grace period.
type Broadcast[E any] struct {
	mu        sync.RWMutex
	logger    *log.Logger
	consumers map[string]*BroadcastConsumer[E]
}

func NewBroadcast[E any](logger *log.Logger) *Broadcast[E] {
	return &Broadcast[E]{
		logger:    logger,
		consumers: map[string]*BroadcastConsumer[E]{},
	}
}

func (bc *Broadcast[E]) NewConsumer() *BroadcastConsumer[E] {
	uuid, _ := uuid.NewRandom()
	consumer := &BroadcastConsumer[E]{
		Chan:      make(chan E, 100),
		ID:        uuid.String(),
		Broadcast: bc,
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.consumers[consumer.ID] = consumer
	return consumer
}

func (bc *Broadcast[E]) HasConsumer() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.consumers) > 0
}

func (bc *Broadcast[E]) Close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for _, consumer := range bc.consumers {
		close(consumer.Chan)
	}

	bc.consumers = nil
}

func (bc *Broadcast[E]) Remove(bcc *BroadcastConsumer[E]) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	_, ok := bc.consumers[bcc.ID]
	delete(bc.consumers, bcc.ID)
	return ok
}

func (bcc *BroadcastConsumer[E]) Close() {
	if bcc.Broadcast.Remove(bcc) {
		close(bcc.Chan)
	}
}

func (bcc *BroadcastConsumer[E]) send(data E, logger *log.Logger) {
	select {
	case bcc.Chan <- data:
		return
	case <-time.After(30 * time.Second):
		if logger != nil {
			logger.Debugf("unable to send event to %s, channel full", bcc.ID)
		}
	}

	bcc.Chan <- data
}

func (bc *Broadcast[E]) Send(data E) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for _, c := range bc.consumers {
		c.send(data, bc.logger)
	}
}
