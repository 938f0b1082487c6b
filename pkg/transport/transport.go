// Package transport is the actor messaging layer used by DPE nodes: topic addressed
// publish/subscribe, request/reply, and the registrar used to discover actors.
package transport

import (
	"context"
	"strings"
	"time"

	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
)

// Handler processes a message delivered on a subscribed topic.
type Handler func(ctx context.Context, msg *message.Message)

// Subscription is an active topic subscription.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Transport delivers messages between actors. One transport is shared by every actor of a
// node.
type Transport interface {
	// Send publishes msg to msg.Topic without waiting for an answer.
	Send(ctx context.Context, msg *message.Message) error

	// SyncSend publishes msg and waits up to timeout for the receiver's answer.
	SyncSend(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)

	// Subscribe registers handler for every message sent to topic.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Close releases the underlying connections.
	Close() error
}

// ValidateTopic rejects topics the transports cannot route.
func ValidateTopic(topic string) error {
	if topic == "" {
		return sdkerrors.NewTransportError(topic, "topic cannot be empty", sdkerrors.ErrPublishFailed)
	}
	if strings.ContainsAny(topic, " \t\r\n*>") {
		return sdkerrors.NewTransportError(topic, "topic contains reserved characters", sdkerrors.ErrPublishFailed)
	}
	return nil
}
