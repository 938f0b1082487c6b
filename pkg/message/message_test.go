package message

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTokens(t *testing.T) {
	msg := NewCommand("host_go", "startContainer", "c1", "2", "first container")
	assert.Equal(t, "startContainer?c1?2?first container", msg.Text())
	assert.Equal(t, []string{"startContainer", "c1", "2", "first container"}, msg.Tokens())
	assert.False(t, msg.HasReplyTo())
}

func TestBytesRoundTrip(t *testing.T) {
	msg := NewMessage("n:c:s", "binary/bytes", []byte{1, 2, 3}).
		WithCommunicationID(42).
		WithComposition("a+b").
		WithAction("configure").
		WithReplyTo("inbox.1")

	b, err := msg.ToBytes()
	require.NoError(t, err)

	decoded, err := FromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, msg.Topic, decoded.Topic)
	assert.Equal(t, msg.Data, decoded.Data)
	assert.Equal(t, *msg.Metadata, *decoded.Metadata)
}

func TestFromNATSMsgUsesReplySubject(t *testing.T) {
	b, err := NewStringMessage("", "pingDpe").ToBytes()
	require.NoError(t, err)

	msg, err := FromNATSMsg(&nats.Msg{Subject: "host_go", Reply: "_INBOX.abc", Data: b})
	require.NoError(t, err)
	assert.Equal(t, "host_go", msg.Topic)
	assert.Equal(t, "_INBOX.abc", msg.Metadata.ReplyTo)
	assert.NotNil(t, msg.NATSMsg())

	resp := msg.Response("text/plain", []byte("ok"))
	assert.Equal(t, "_INBOX.abc", resp.Topic)
}

func TestStatus(t *testing.T) {
	msg := NewStringMessage("t", "boom").WithStatus("ERROR", "failed", 3)
	assert.True(t, msg.IsError())
	assert.Equal(t, 3, msg.Metadata.Severity)
}
