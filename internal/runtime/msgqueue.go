package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"

	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

// MessageQueue persists fire-and-forget chat messages sequentially in
// bounded batches, off the script's hot path. Notifications and alerts
// go through here; anything the script must read back is written
// synchronously instead.
type MessageQueue struct {
	prod        topic.Producer[*api.ChatMessage]
	cons        topic.Consumer[*api.ChatMessage]
	msgs        store.MessageStore
	stop        chan struct{}
	batchSize   int
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
	cleanupOnce sync.Once
}

const (
	maxWriteRetries = 3
	writeRetryDelay = 100 * time.Millisecond
)

// NewMessageQueue creates a message queue over the given store with the
// provided batch size
func NewMessageQueue(msgs store.MessageStore, batchSize int) *MessageQueue {
	queue := caravan.NewTopic[*api.ChatMessage]()
	return &MessageQueue{
		prod:      queue.NewProducer(),
		cons:      queue.NewConsumer(),
		msgs:      msgs,
		stop:      make(chan struct{}),
		batchSize: batchSize,
	}
}

// Start begins draining queued messages
func (q *MessageQueue) Start() {
	q.startOnce.Do(func() {
		q.wg.Go(func() {
			for {
				select {
				case <-q.stop:
					return
				case msg, ok := <-q.cons.Receive():
					if !ok {
						return
					}
					q.writeBatch(q.collectBatch(msg))
				}
			}
		})
	})
}

// Enqueue adds a message for asynchronous persistence
func (q *MessageQueue) Enqueue(msg *api.ChatMessage) {
	q.prod.Send() <- msg
}

// Flush drains queued messages and stops the queue
func (q *MessageQueue) Flush() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
	q.cleanupOnce.Do(q.drain)
}

// Cancel immediately stops the queue without persisting remaining
// messages
func (q *MessageQueue) Cancel() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
	q.cleanupOnce.Do(q.close)
}

func (q *MessageQueue) collectBatch(
	first *api.ChatMessage,
) []*api.ChatMessage {
	batch := []*api.ChatMessage{first}
	for len(batch) < q.batchSize {
		select {
		case msg, ok := <-q.cons.Receive():
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (q *MessageQueue) drain() {
	for {
		select {
		case msg, ok := <-q.cons.Receive():
			if !ok {
				q.close()
				return
			}
			q.writeBatch(q.collectBatch(msg))
		default:
			q.close()
			return
		}
	}
}

func (q *MessageQueue) close() {
	q.prod.Close()
	q.cons.Close()
}

func (q *MessageQueue) writeBatch(batch []*api.ChatMessage) {
	for _, msg := range batch {
		q.writeMessage(msg)
	}
}

func (q *MessageQueue) writeMessage(msg *api.ChatMessage) {
	ctx := context.Background()
	for attempt := range maxWriteRetries {
		if _, err := q.msgs.Create(ctx, msg); err == nil {
			return
		} else {
			slog.Error("Message write failed",
				slog.String("session_id", string(msg.SessionID)),
				slog.String("tag", string(msg.Tag)),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", maxWriteRetries),
				log.Error(err))
		}
		if attempt < maxWriteRetries-1 {
			time.Sleep(writeRetryDelay)
		}
	}
	slog.Error("Message write permanently failed",
		slog.String("session_id", string(msg.SessionID)),
		slog.String("tag", string(msg.Tag)))
}
