// Package pubsub is a typed in-process event bus. Nodes publish lifecycle events (role and leader changes,
// installed snapshots) on it and any number of subscribers consume them from their own channels.
package pubsub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the bus blocks to deliver an event to this subscriber's channel when it is full. This guarantees
	// delivery but stalls every other subscriber while it waits, so it should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber is the type-erased form of a typed subscription. The closures capture the typed channel, so a single
// registry can hold channels of different event payload types.
type subscriber struct {
	send       func(eventType EventType, payload any) bool
	close      func()
	opts       SubscriptionOptions
	numDropped atomic.Uint64
}

type publication struct {
	eventType EventType
	payload   any
}

// PubSubClient fans events out to subscribers from a single goroutine. It is safe for concurrent use.
type PubSubClient struct {
	logger *zap.Logger

	mu       sync.RWMutex
	wg       sync.WaitGroup
	nextID   SubscriberID
	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the broadcast loop and lets a graceful shutdown drain in-flight events.
	publishChan  chan publication
	shuttingDown atomic.Bool
}

func NewPubSub(logger *zap.Logger) *PubSubClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PubSubClient{
		logger:      logger.Named("pubsub"),
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan publication, 100),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Subscribe registers ch for events of eventType. The caller owns the channel's buffer size; the channel is closed
// on Unsubscribe or shutdown.
//
// Go does not support methods with their own type parameters, so this is a free function taking the client.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID

	sub := &subscriber{
		opts: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warn("Event payload type mismatch",
					zap.Int("eventType", int(evType)), zap.Any("payload", payload))
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	if sub, ok := subscribers[id]; ok {
		delete(subscribers, id)
		sub.close()
		if len(subscribers) == 0 {
			delete(p.registry, eventType)
		}
	}
}

// Publish queues an event for broadcast. Events published after shutdown started are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock guarantees shutdown cannot close publishChan between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debug("Dropping event published during shutdown", zap.Int("eventType", int(event.Type)))
		return
	}
	p.publishChan <- publication{eventType: event.Type, payload: event.Payload}
}

// GracefulShutdown rejects new events, delivers the queued ones and closes every subscriber channel.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Swap(true) {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	close(p.publishChan)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for eventType, subscribers := range p.registry {
		for _, sub := range subscribers {
			sub.close()
		}
		delete(p.registry, eventType)
	}
}

// Dropped returns how many events a non-blocking subscriber missed because its channel was full.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.send(msg.eventType, msg.payload) && !sub.opts.IsBlocking {
				dropped := sub.numDropped.Add(1)
				p.logger.Debug("Dropped event for slow subscriber",
					zap.Int("eventType", int(msg.eventType)), zap.Uint64("subscriber", uint64(id)),
					zap.Uint64("totalDropped", dropped))
			}
		}
		p.mu.RUnlock()
	}
}
