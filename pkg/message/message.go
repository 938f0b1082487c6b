// Package message defines the envelope exchanged between DPE actors.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Separator splits the tokens of a control payload.
const Separator = "?"

// BlobReference contains information for fetching data from blob storage.
// When a serialized payload is larger than the offload threshold it is uploaded to blob
// storage and the message carries a BlobReference instead of the raw data.
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"sizeBytes"`
}

// Metadata describes the data carried by a message.
type Metadata struct {
	MimeType        string         `json:"mimeType"`
	Author          string         `json:"author,omitempty"`
	Version         string         `json:"version,omitempty"`
	Description     string         `json:"description,omitempty"`
	Status          string         `json:"status,omitempty"`
	Severity        int            `json:"severity,omitempty"`
	CommunicationID int64          `json:"communicationId,omitempty"`
	Composition     string         `json:"composition,omitempty"`
	ExecutionState  string         `json:"executionState,omitempty"`
	SenderState     string         `json:"senderState,omitempty"`
	ExecutionTime   int64          `json:"executionTime,omitempty"` // microseconds
	Action          string         `json:"action,omitempty"`
	ReplyTo         string         `json:"replyTo,omitempty"`
	BlobReference   *BlobReference `json:"blobReference,omitempty"`
}

// Message is an addressed unit of data.
type Message struct {
	// Topic is the canonical name or report topic the message is sent to
	Topic string `json:"topic"`

	Metadata *Metadata `json:"metadata"`

	// Data is the serialized payload
	Data []byte `json:"data,omitempty"`

	// CreatedAt is the timestamp when the message was created
	CreatedAt string `json:"createdAt"`

	// natsMsg holds the original NATS message for request-reply (not serialized)
	natsMsg *nats.Msg `json:"-"`
}

// NewMessage creates a message addressed to topic.
func NewMessage(topic, mimeType string, data []byte) *Message {
	return &Message{
		Topic:     topic,
		Metadata:  &Metadata{MimeType: mimeType},
		Data:      data,
		CreatedAt: time.Now().Format(time.RFC3339Nano),
	}
}

// NewStringMessage creates a message carrying a plain UTF-8 string, as used by control
// commands and their replies.
func NewStringMessage(topic, text string) *Message {
	return NewMessage(topic, "text/plain", []byte(text))
}

// NewCommand joins command tokens with Separator into a control message.
func NewCommand(topic string, tokens ...string) *Message {
	return NewStringMessage(topic, strings.Join(tokens, Separator))
}

// WithReplyTo sets the address the receiver must answer to.
func (m *Message) WithReplyTo(replyTo string) *Message {
	m.meta().ReplyTo = replyTo
	return m
}

// WithCommunicationID sets the correlation id of the logical request.
func (m *Message) WithCommunicationID(id int64) *Message {
	m.meta().CommunicationID = id
	return m
}

// WithComposition sets the composition the data flows through.
func (m *Message) WithComposition(composition string) *Message {
	m.meta().Composition = composition
	return m
}

// WithAction sets the control action of a data request.
func (m *Message) WithAction(action string) *Message {
	m.meta().Action = action
	return m
}

// WithStatus tags the message with a status and description.
func (m *Message) WithStatus(status, description string, severity int) *Message {
	md := m.meta()
	md.Status = status
	md.Description = description
	md.Severity = severity
	return m
}

func (m *Message) meta() *Metadata {
	if m.Metadata == nil {
		m.Metadata = &Metadata{}
	}
	return m.Metadata
}

// Text returns the payload as a string.
func (m *Message) Text() string {
	return string(m.Data)
}

// HasReplyTo reports whether the sender waits for an answer.
func (m *Message) HasReplyTo() bool {
	return m.Metadata != nil && m.Metadata.ReplyTo != ""
}

// IsError reports whether the message carries an ERROR status.
func (m *Message) IsError() bool {
	return m.Metadata != nil && m.Metadata.Status == "ERROR"
}

// Tokens splits a control payload on Separator.
func (m *Message) Tokens() []string {
	return strings.Split(m.Text(), Separator)
}

// Response builds an answer addressed to this message's reply address.
func (m *Message) Response(mimeType string, data []byte) *Message {
	resp := NewMessage(m.meta().ReplyTo, mimeType, data)
	resp.Metadata.CommunicationID = m.meta().CommunicationID
	return resp
}

// NATSMsg returns the underlying NATS message, if the message arrived over NATS.
func (m *Message) NATSMsg() *nats.Msg {
	return m.natsMsg
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = &Metadata{}
	}
	return &msg, nil
}

// FromNATSMsg converts a NATS message to a Message. A NATS reply subject becomes the reply
// address when the envelope does not carry one.
func FromNATSMsg(natsMsg *nats.Msg) (*Message, error) {
	msg, err := FromBytes(natsMsg.Data)
	if err != nil {
		return nil, fmt.Errorf("decode message on %s: %w", natsMsg.Subject, err)
	}
	if msg.Topic == "" {
		msg.Topic = natsMsg.Subject
	}
	if msg.Metadata.ReplyTo == "" && natsMsg.Reply != "" {
		msg.Metadata.ReplyTo = natsMsg.Reply
	}
	msg.natsMsg = natsMsg
	return msg, nil
}
