package engine

import (
	"fmt"
	"time"
)

// Status classifies an engine result.
type Status string

const (
	StatusInfo    Status = "INFO"
	StatusWarning Status = "WARNING"
	StatusError   Status = "ERROR"
)

// Action is the control action carried by a data request.
type Action string

const (
	ActionExecute   Action = "execute"
	ActionConfigure Action = "configure"
)

// Well known mime types.
const (
	MimeString       = "text/string"
	MimeInt32        = "binary/int32"
	MimeInt64        = "binary/int64"
	MimeFloat        = "binary/float"
	MimeDouble       = "binary/double"
	MimeBytes        = "binary/bytes"
	MimeArrayString  = "binary/array-string"
	MimeArrayInt32   = "binary/array-int32"
	MimeArrayInt64   = "binary/array-int64"
	MimeArrayFloat   = "binary/array-float"
	MimeArrayDouble  = "binary/array-double"
	MimeJSON         = "application/json"
	MimeSharedMemory = "binary/dpe-shmkey"
)

// DoneData is the payload a configure result receives when the engine returned no data.
const DoneData = "done"

// Severity used for results the runtime synthesizes from engine faults.
const FaultSeverity = 4

// EngineData is the envelope passed into and out of engines.
type EngineData struct {
	Data     any
	MimeType string

	Description string
	Status      Status
	Severity    int

	// Author is the canonical name of the service that produced the data.
	Author        string
	EngineName    string
	EngineVersion string

	CommunicationID int64
	Composition     string
	ExecutionState  string
	SenderState     string
	ExecutionTime   time.Duration

	Action  Action
	ReplyTo string
}

// NewData builds an INFO result carrying data of the given mime type.
func NewData(mimeType string, data any) *EngineData {
	return &EngineData{
		Data:     data,
		MimeType: mimeType,
		Status:   StatusInfo,
		Severity: 1,
	}
}

// NewErrorData builds an ERROR result with the given description and severity.
func NewErrorData(description string, severity int, detail string) *EngineData {
	if severity <= 0 {
		severity = 1
	}
	return &EngineData{
		Data:        detail,
		MimeType:    MimeString,
		Description: description,
		Status:      StatusError,
		Severity:    severity,
	}
}

// IsError reports whether the data carries an ERROR status.
func (d *EngineData) IsError() bool {
	return d != nil && d.Status == StatusError
}

// SetStatus updates status and severity, keeping severity positive.
func (d *EngineData) SetStatus(status Status, severity int) {
	if severity <= 0 {
		severity = 1
	}
	d.Status = status
	d.Severity = severity
}

// String returns a short description used in logs.
func (d *EngineData) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("EngineData{mime=%s status=%s author=%s id=%d state=%s}",
		d.MimeType, d.Status, d.Author, d.CommunicationID, d.ExecutionState)
}
