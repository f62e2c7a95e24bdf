package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"skylift/orchestrator/internal/logging"
	"skylift/orchestrator/internal/messages"
	"skylift/orchestrator/internal/state"
)

const (
	// connectAttempts bounds the initial connection retry loop.
	connectAttempts = 30
	// connectMaxDelay caps the exponential backoff between connection attempts.
	connectMaxDelay = 10 * time.Second
)

// ErrSubscriptionClosed reports that a subscription's delivery channel ended.
// It is fatal to the subscribing process.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Client wraps the NATS connection with typed JSON publish, request/reply, and
// the durable streams the orchestrator depends on.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *logging.Logger
}

// Connect dials the bus, retrying with exponential backoff bounded by
// connectAttempts and connectMaxDelay.
func Connect(ctx context.Context, url string, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.L()
	}

	//1.- WithMaxRetries counts retries after the first attempt.
	policy := backoff.WithContext(backoff.WithMaxRetries(newConnectBackoff(), connectAttempts-1), ctx)
	var conn *nats.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = nats.Connect(url, nats.Name("skylift-orchestrator"))
		if dialErr != nil {
			//2.- Connection failures are retried; the policy bounds the attempts.
			log.Warn("bus connection failed, retrying", logging.String("url", url), logging.Error(dialErr))
			return dialErr
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", url, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}
	return &Client{conn: conn, js: js, log: log}, nil
}

func newConnectBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = connectMaxDelay
	policy.MaxElapsedTime = 0
	return policy
}

// Close closes the underlying connection without draining pending messages.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.conn.Close()
}

// EnsureStreams creates the durable streams the orchestrator writes to, if absent.
func (c *Client) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{Name: messages.WorldStateStream, Subjects: []string{messages.WorldStateSubscribeSubject}},
		{Name: messages.DroneLogStream, Subjects: []string{messages.DroneLogSubscribeSubject}},
		{Name: messages.BackendStateStream, Subjects: []string{messages.BackendStateSubscribeSubject}},
		{Name: messages.DNSStream, Subjects: []string{messages.DNSSubscribeSubject}},
	}
	for _, cfg := range streams {
		//1.- AddStream is idempotent for identical configs, so startup can race peers.
		if _, err := c.js.AddStream(&cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("ensuring stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Publish sends a JSON-encoded message on the subject.
func (c *Client) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// PublishDurable sends a JSON-encoded message and waits for the stream's ack,
// guaranteeing the message was captured by its durable stream.
func (c *Client) PublishDurable(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", subject, err)
	}
	if _, err := c.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Request performs a JSON request/reply with the supplied deadline and decodes
// the reply into out.
func (c *Client) Request(ctx context.Context, subject string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", subject, err)
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request to %s: %w", subject, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	return nil
}

// Message is one inbound request carrying a response handle.
type Message struct {
	Data []byte
	msg  *nats.Msg
}

// Respond sends the JSON-encoded reply for a request message.
func (m *Message) Respond(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return m.msg.Respond(data)
}

// Subscription delivers inbound messages for one subject.
type Subscription struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

// Subscribe opens a channel-backed subscription on the subject.
func (c *Client) Subscribe(subject string) (*Subscription, error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := c.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return &Subscription{sub: sub, ch: ch}, nil
}

// Next blocks until a message arrives, the subscription closes, or ctx ends.
// Subscription closure returns ErrSubscriptionClosed, which callers treat as fatal.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		return &Message{Data: msg.Data, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the subscription.
func (s *Subscription) Close() {
	if s == nil || s.sub == nil {
		return
	}
	_ = s.sub.Unsubscribe()
}

// WorldStateSource consumes the world-state stream in order, surfacing each
// entry's stream sequence to the projection writer.
type WorldStateSource struct {
	sub *nats.Subscription
}

// WorldStateSource opens an ordered consumer over the full world-state stream.
func (c *Client) WorldStateSource() (*WorldStateSource, error) {
	//1.- An ordered consumer replays the stream from the start and preserves
	// strict sequence order with exactly-once delivery per subscriber.
	sub, err := c.js.SubscribeSync(messages.WorldStateSubscribeSubject,
		nats.OrderedConsumer(),
		nats.BindStream(messages.WorldStateStream))
	if err != nil {
		return nil, fmt.Errorf("subscribing to world-state stream: %w", err)
	}
	return &WorldStateSource{sub: sub}, nil
}

// Next returns the next world-state event in stream order.
func (s *WorldStateSource) Next(ctx context.Context) (state.StreamEvent, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return state.StreamEvent{}, fmt.Errorf("%w: %v", ErrSubscriptionClosed, err)
		}
		return state.StreamEvent{}, err
	}
	meta, err := msg.Metadata()
	if err != nil {
		return state.StreamEvent{}, fmt.Errorf("reading stream metadata: %w", err)
	}
	return state.StreamEvent{Seq: meta.Sequence.Stream, Payload: msg.Data}, nil
}

// Close tears down the stream consumer.
func (s *WorldStateSource) Close() {
	if s == nil || s.sub == nil {
		return
	}
	_ = s.sub.Unsubscribe()
}
