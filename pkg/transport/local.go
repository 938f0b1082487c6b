package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
)

// LocalBus is an in-process Transport. Every delivery runs on its own goroutine and gets a
// copy of the message, so receivers observe the same isolation they would over the network.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]*localSubscription
	closed bool
}

type localSubscription struct {
	bus     *LocalBus
	topic   string
	handler Handler
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]*localSubscription)}
}

func (s *localSubscription) Topic() string { return s.topic }

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.topic]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.topic]) == 0 {
		delete(s.bus.subs, s.topic)
	}
	return nil
}

// Send delivers msg to every subscriber of msg.Topic. Messages without subscribers are
// dropped, as with any publish/subscribe transport.
func (b *LocalBus) Send(ctx context.Context, msg *message.Message) error {
	if err := ValidateTopic(msg.Topic); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return sdkerrors.NewTransportError(msg.Topic, "bus closed", sdkerrors.ErrNotConnected)
	}
	handlers := make([]Handler, 0, len(b.subs[msg.Topic]))
	for _, s := range b.subs[msg.Topic] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(context.Background(), clone(msg))
	}
	return nil
}

// SyncSend subscribes a unique inbox, sends msg with the inbox as reply address and waits.
func (b *LocalBus) SyncSend(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if !b.hasSubscribers(msg.Topic) {
		return nil, sdkerrors.NewTransportError(msg.Topic, "no responders", sdkerrors.ErrNoResponse)
	}

	inbox := "_INBOX." + uuid.NewString()
	replies := make(chan *message.Message, 1)
	sub, err := b.Subscribe(inbox, func(_ context.Context, reply *message.Message) {
		select {
		case replies <- reply:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	req := clone(msg).WithReplyTo(inbox)
	if err := b.Send(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, sdkerrors.NewTransportError(msg.Topic, fmt.Sprintf("no reply within %s", timeout), sdkerrors.ErrNoResponse)
	case <-ctx.Done():
		return nil, fmt.Errorf("sync send cancelled: %w", ctx.Err())
	}
}

// Subscribe registers handler on topic.
func (b *LocalBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, sdkerrors.NewTransportError(topic, "handler cannot be nil", sdkerrors.ErrSubscriptionFailed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, sdkerrors.NewTransportError(topic, "bus closed", sdkerrors.ErrNotConnected)
	}
	sub := &localSubscription{bus: b, topic: topic, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Close stops accepting sends and subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*localSubscription)
	return nil
}

// hasSubscribers reports whether anything listens on topic.
func (b *LocalBus) hasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic]) > 0
}

func clone(msg *message.Message) *message.Message {
	cp := *msg
	if msg.Metadata != nil {
		md := *msg.Metadata
		if md.BlobReference != nil {
			ref := *md.BlobReference
			md.BlobReference = &ref
		}
		cp.Metadata = &md
	}
	if msg.Data != nil {
		cp.Data = append([]byte(nil), msg.Data...)
	}
	return &cp
}
