package dpe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wehubfusion/dpe/pkg/engine"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/shm"
)

var blobPathReplacer = strings.NewReplacer(":", "/", "%", "-")

// FillMetadata copies the envelope fields of d into md. MimeType is left to the caller.
func FillMetadata(md *message.Metadata, d *engine.EngineData) {
	md.Author = d.Author
	md.Version = d.EngineVersion
	md.Description = d.Description
	md.Status = string(d.Status)
	md.Severity = d.Severity
	md.CommunicationID = d.CommunicationID
	md.Composition = d.Composition
	md.ExecutionState = d.ExecutionState
	md.SenderState = d.SenderState
	md.ExecutionTime = d.ExecutionTime.Microseconds()
	md.Action = string(d.Action)
	md.ReplyTo = d.ReplyTo
}

// DataFromMetadata builds engine data without payload from message metadata. Missing
// status and severity default to INFO and 1.
func DataFromMetadata(md *message.Metadata) *engine.EngineData {
	if md == nil {
		md = &message.Metadata{}
	}
	d := &engine.EngineData{
		MimeType:        md.MimeType,
		Description:     md.Description,
		Status:          engine.Status(md.Status),
		Severity:        md.Severity,
		Author:          md.Author,
		EngineName:      EngineOf(md.Author),
		EngineVersion:   md.Version,
		CommunicationID: md.CommunicationID,
		Composition:     md.Composition,
		ExecutionState:  md.ExecutionState,
		SenderState:     md.SenderState,
		ExecutionTime:   time.Duration(md.ExecutionTime) * time.Microsecond,
		Action:          engine.Action(md.Action),
		ReplyTo:         md.ReplyTo,
	}
	if d.Status == "" {
		d.Status = engine.StatusInfo
	}
	if d.Severity <= 0 {
		d.Severity = 1
	}
	return d
}

// encode serializes d into a message addressed to topic. With offload set, payloads
// above the node threshold are uploaded to blob storage and only referenced.
func (e *runtimeEnv) encode(ctx context.Context, topic string, d *engine.EngineData, offload bool) (*message.Message, error) {
	b, err := e.serializers.Serialize(d)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(topic, d.MimeType, b)
	FillMetadata(msg.Metadata, d)

	if offload && e.blobs != nil && e.offloadAt > 0 && len(b) > e.offloadAt {
		path := fmt.Sprintf("dpe/%s/%d-%s", blobPathReplacer.Replace(d.Author), d.CommunicationID, uuid.NewString())
		url, err := e.blobs.Upload(ctx, path, b, "application/octet-stream", map[string]string{
			"mimetype": d.MimeType,
			"author":   blobPathReplacer.Replace(d.Author),
		})
		if err != nil {
			return nil, fmt.Errorf("offload payload for %s: %w", topic, err)
		}
		msg.Metadata.BlobReference = &message.BlobReference{URL: url, SizeBytes: len(b)}
		msg.Data = nil
	}
	return msg, nil
}

// decode turns an inbound message into engine data for receiver. It returns the number
// of payload bytes read and whether the payload came from the shared transfer table.
func (e *runtimeEnv) decode(ctx context.Context, receiver string, msg *message.Message) (*engine.EngineData, int, bool, error) {
	d := DataFromMetadata(msg.Metadata)

	if d.MimeType == engine.MimeSharedMemory {
		key := msg.Text()
		stored, ok := e.table.GetKey(receiver, key)
		if !ok || stored == nil {
			return nil, 0, true, fmt.Errorf("no shared memory entry %s for %s", key, receiver)
		}
		d.Data = stored.Data
		d.MimeType = stored.MimeType
		return d, 0, true, nil
	}

	payload := msg.Data
	if msg.Metadata != nil && msg.Metadata.BlobReference != nil {
		ref := msg.Metadata.BlobReference
		if e.blobs == nil {
			return nil, 0, false, fmt.Errorf("payload offloaded to %s but no blob store is configured", ref.URL)
		}
		var err error
		payload, err = e.blobs.Download(ctx, ref.URL)
		if err != nil {
			return nil, 0, false, fmt.Errorf("download offloaded payload: %w", err)
		}
	}
	v, err := e.serializers.Deserialize(d.MimeType, payload)
	if err != nil {
		return nil, len(payload), false, err
	}
	d.Data = v
	return d, len(payload), false, nil
}

// shmMarker builds the small message that tells receiver to read d from the table.
func shmMarker(receiver, sender string, d *engine.EngineData) *message.Message {
	msg := message.NewMessage(receiver, engine.MimeSharedMemory, []byte(shm.Key(sender, d.CommunicationID)))
	FillMetadata(msg.Metadata, d)
	return msg
}
