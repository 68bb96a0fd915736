package tglink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Filter narrows a subscription. Empty slices match everything.
type Filter struct {
	Types      []EventType
	Principals []string
	SessionIDs []string
}

func (f Filter) matches(ev Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if len(f.Principals) > 0 && !containsString(f.Principals, ev.Principal) {
		return false
	}
	if len(f.SessionIDs) > 0 && !containsString(f.SessionIDs, ev.SessionID) {
		return false
	}
	return true
}

func containsType(list []EventType, t EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Subscription is one consumer of the broker. Events arrive on C; a consumer
// that falls behind loses events rather than blocking publishers.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe detaches and closes the channel. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Broker fans session events out to local subscribers and, when enabled,
// mirrors them onto Redis pub/sub channels so other processes can listen.
type Broker struct {
	cfg   EventsConfig
	redis redis.UniversalClient

	mu     sync.Mutex
	subs   map[*Subscription]Filter
	closed bool

	hbStop chan struct{}
	hbDone chan struct{}
}

func newBroker(cfg EventsConfig, redisClient redis.UniversalClient) *Broker {
	b := &Broker{
		cfg:   cfg,
		redis: redisClient,
		subs:  make(map[*Subscription]Filter),
	}
	if cfg.Heartbeat > 0 {
		b.hbStop = make(chan struct{})
		b.hbDone = make(chan struct{})
		go b.heartbeatLoop(cfg.Heartbeat)
	}
	return b
}

// Subscribe registers a local consumer. The returned subscription must be
// released with Unsubscribe.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	buffer := b.cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 1
	}

	sub := &Subscription{ch: make(chan Event, buffer)}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = filter
	return sub
}

// Publish delivers the event to every matching local subscriber and mirrors
// it to Redis channels when configured. Slow subscribers drop.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	for sub, filter := range b.subs {
		if !filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if !b.cfg.RedisChannels || b.redis == nil || ev.Type == EventHeartbeat {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Best effort: a down Redis must not fail the operation that triggered
	// the event.
	if ev.Principal != "" {
		_ = b.redis.Publish(ctx, b.channelForPrincipal(ev.Principal), data).Err()
	}
	if ev.SessionID != "" {
		_ = b.redis.Publish(ctx, b.channelForSession(ev.SessionID), data).Err()
	}
}

func (b *Broker) channelForPrincipal(principal string) string {
	return b.cfg.ChannelPrefix + ":p:" + principal
}

func (b *Broker) channelForSession(sessionID string) string {
	return b.cfg.ChannelPrefix + ":s:" + sessionID
}

// SubscribeRemote listens on the principal's Redis channel and decodes
// mirrored events until ctx is done. Requires RedisChannels to be enabled on
// the publishing side.
func (b *Broker) SubscribeRemote(ctx context.Context, principal string) (<-chan Event, error) {
	if b.redis == nil {
		return nil, ErrEngineNotReady
	}

	pubsub := b.redis.Subscribe(ctx, b.channelForPrincipal(principal))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Event, b.cfg.SubscriberBuffer)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) heartbeatLoop(interval time.Duration) {
	defer close(b.hbDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			b.Publish(context.Background(), Event{
				Timestamp: now,
				Type:      EventHeartbeat,
			})
		case <-b.hbStop:
			return
		}
	}
}

// Close stops the heartbeat and detaches every subscriber.
func (b *Broker) Close() {
	if b.hbStop != nil {
		close(b.hbStop)
		<-b.hbDone
		b.hbStop = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
