package tglink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velora-team/tglink/internal/rate"
	"github.com/velora-team/tglink/internal/stores"
	"github.com/velora-team/tglink/mterr"
	"github.com/velora-team/tglink/sealer"
	"github.com/velora-team/tglink/session"
)

// Engine drives the account-linking flows. Build one with [New] and share it;
// all methods are safe for concurrent use.
type Engine struct {
	config     Config
	sessions   *session.Store
	phoneStore *stores.PhoneHandshakeStore
	qrStore    *stores.QRHandshakeStore
	limiter    *rate.Limiter
	sealer     *sealer.Sealer
	client     ProtocolClient
	events     *eventDispatcher
	broker     *Broker
	metrics    *Metrics
	qrKey      []byte
}

// Close flushes pending events and detaches all subscribers.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.events != nil {
		e.events.Close()
	}
	if e.broker != nil {
		e.broker.Close()
	}
}

// EventsDropped reports how many events the dispatcher discarded under
// backpressure.
func (e *Engine) EventsDropped() uint64 {
	if e == nil || e.events == nil {
		return 0
	}
	return e.events.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Subscribe registers a local consumer of session events.
func (e *Engine) Subscribe(filter Filter) *Subscription {
	return e.broker.Subscribe(filter)
}

// SubscribeRemote listens for events mirrored onto Redis pub/sub by another
// process. Requires EventsConfig.RedisChannels.
func (e *Engine) SubscribeRemote(ctx context.Context, principal string) (<-chan Event, error) {
	return e.broker.SubscribeRemote(ctx, principal)
}

// Ping reports backend availability.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if err := e.sessions.Ping(ctx); err != nil {
		return backendErr(err)
	}
	return nil
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// publish pushes an event into both the sink dispatcher and the broker.
// Called only after the state it describes has been persisted.
func (e *Engine) publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.IP == "" {
		ev.IP = clientIPFromContext(ctx)
	}
	e.metricInc(MetricEventsPublished)
	if e.events != nil {
		e.events.Emit(ctx, ev)
	}
	if e.broker != nil {
		e.broker.Publish(ctx, ev)
	}
}

// send runs one upstream call with the configured bounded retry: a single
// extra attempt when the mapped error is retryable (DC migration, transient
// RETRY). Anything else surfaces immediately.
func (e *Engine) send(ctx context.Context, method string, params map[string]any) (Result, error) {
	res, err := e.client.Send(ctx, method, params)
	if err == nil {
		return res, nil
	}

	mapped := mterr.Map(err)
	if !e.config.Retry.Enabled || !mapped.Retryable() {
		return nil, mapped
	}

	if e.config.Retry.Backoff > 0 {
		select {
		case <-time.After(e.config.Retry.Backoff):
		case <-ctx.Done():
			return nil, mterr.Map(ctx.Err())
		}
	}

	res, err = e.client.Send(ctx, method, params)
	if err != nil {
		return nil, mterr.Map(err)
	}
	return res, nil
}

func (e *Engine) sendAuthorized(ctx context.Context, payload []byte, method string, params map[string]any) (Result, error) {
	res, err := e.client.SendAuthorized(ctx, payload, method, params)
	if err == nil {
		return res, nil
	}

	mapped := mterr.Map(err)
	if !e.config.Retry.Enabled || !mapped.Retryable() {
		return nil, mapped
	}

	if e.config.Retry.Backoff > 0 {
		select {
		case <-time.After(e.config.Retry.Backoff):
		case <-ctx.Done():
			return nil, mterr.Map(ctx.Err())
		}
	}

	res, err = e.client.SendAuthorized(ctx, payload, method, params)
	if err != nil {
		return nil, mterr.Map(err)
	}
	return res, nil
}

// noteFloodWait emits the flood-wait event for a mapped error when relevant.
func (e *Engine) noteFloodWait(ctx context.Context, principal, sessionID string, err *mterr.Error) {
	if err == nil || err.Code != mterr.CodeFloodWait {
		return
	}
	e.metricInc(MetricFloodWait)
	e.publish(ctx, Event{
		Type:       EventFloodWait,
		Principal:  principal,
		SessionID:  sessionID,
		RetryAfter: err.RetryAfter,
	})
}

// activateSession seals the upstream session material, persists the new
// session, and atomically promotes it to active, superseding any previous
// active session of the principal. Events fire only after persistence.
func (e *Engine) activateSession(ctx context.Context, principal, phone string, material []byte) (*session.Session, error) {
	sealed, err := e.sealer.Seal(material)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	sess := &session.Session{
		SessionID:        uuid.NewString(),
		Principal:        principal,
		Status:           session.StatusInitializing,
		PhoneNumber:      phone,
		Payload:          sealed,
		CreatedIP:        clientIPFromContext(ctx),
		CreatedUserAgent: userAgentFromContext(ctx),
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, backendErr(err)
	}
	e.metricInc(MetricSessionCreated)

	updated, superseded, err := e.sessions.Transition(ctx, sess.SessionID, session.StatusActive, nil)
	if err != nil {
		return nil, backendErr(err)
	}

	if superseded != nil {
		e.metricInc(MetricSessionRevoked)
		e.publish(ctx, Event{
			Type:      EventDisconnect,
			Principal: superseded.Principal,
			SessionID: superseded.SessionID,
			Status:    superseded.Status.String(),
			Reason:    "superseded",
		})
	}

	e.publish(ctx, Event{
		Type:      EventConnect,
		Principal: updated.Principal,
		SessionID: updated.SessionID,
		Status:    updated.Status.String(),
	})
	return updated, nil
}
