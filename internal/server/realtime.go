package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/convosync/internal/chat"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/metrics"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// RealtimeDispatcher fans committed message events out to every push
// connection of each recipient.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[messages.UserID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.ServerMetrics
	logger      *zap.Logger
}

type realtimeSubscriber struct {
	id     int64
	stream chan chat.Event
}

// DispatcherConfig configures a RealtimeDispatcher.
type DispatcherConfig struct {
	BufferSize int
	Metrics    *metrics.ServerMetrics
	Logger     *zap.Logger
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher(cfg DispatcherConfig) *RealtimeDispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDispatcher{
		subscribers: make(map[messages.UserID]map[int64]*realtimeSubscriber),
		bufferSize:  bufferSize,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Subscribe registers a stream for userID until ctx is done or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID messages.UserID) (<-chan chat.Event, func()) {
	if userID == "" {
		ch := make(chan chat.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan chat.Event, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every subscriber of every recipient. Subscribers
// with a full buffer miss the event.
func (d *RealtimeDispatcher) Publish(event chat.Event) {
	if event.Type == "" {
		return
	}
	d.metrics.EventPublished(string(event.Type))
	for _, recipient := range event.Recipients {
		d.mu.RLock()
		subscribers := d.subscribers[recipient]
		copies := make([]*realtimeSubscriber, 0, len(subscribers))
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
		d.mu.RUnlock()
		for _, subscriber := range copies {
			select {
			case subscriber.stream <- event:
			default:
				d.logger.Warn("push subscriber buffer full",
					zap.String("user_id", recipient.String()),
					zap.Int64("message_id", event.Message.ID.Int64()))
			}
		}
	}
}

// SubscriberCount reports the number of live streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID messages.UserID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID messages.UserID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID messages.UserID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
