package events

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	logMessageFrameDiscarded = "discarding malformed stream frame"
	logMessageHeartbeat      = "stream heartbeat received"
	logFieldChannel          = "channel"
	logFieldEventName        = "event_name"
	logFieldFrameBytes       = "frame_bytes"

	// DiscardReasonMalformed labels frames that failed to decode.
	DiscardReasonMalformed = "malformed"
	// DiscardReasonUnknownKind labels frames with an unrecognized type.
	DiscardReasonUnknownKind = "unknown_kind"
	// DiscardReasonMissingField labels frames lacking a required field.
	DiscardReasonMissingField = "missing_field"
	// DiscardReasonTimestamp labels frames with an unparseable timestamp.
	DiscardReasonTimestamp = "invalid_timestamp"
)

// DiscardRecorder receives soft-error notifications for discarded frames.
type DiscardRecorder interface {
	RecordDiscard(channel string, reason string)
}

// Frame is the raw unit handed to the Normalizer by a transport.
type Frame struct {
	Channel   Channel
	EventName string
	Data      []byte
}

// Config customizes a Normalizer.
type Config struct {
	Logger   *zap.Logger
	Recorder DiscardRecorder
}

// Normalizer turns raw frames into RemoteEvents and accounts for discarded input.
type Normalizer struct {
	logger    *zap.Logger
	recorder  DiscardRecorder
	discarded atomic.Int64
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(configuration Config) *Normalizer {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger, recorder: configuration.Recorder}
}

// Normalize parses a frame. The boolean is false when the frame was discarded;
// a discard is never fatal to the stream.
func (normalizer *Normalizer) Normalize(frame Frame) (RemoteEvent, bool) {
	event, err := Parse(frame.Data, frame.EventName, frame.Channel)
	if err == nil {
		return event, true
	}
	if errors.Is(err, ErrHeartbeat) {
		normalizer.logger.Debug(logMessageHeartbeat, zap.String(logFieldChannel, string(frame.Channel)))
		return RemoteEvent{}, false
	}

	reason := DiscardReason(err)
	normalizer.discarded.Add(1)
	normalizer.logger.Warn(logMessageFrameDiscarded,
		zap.String(logFieldChannel, string(frame.Channel)),
		zap.String(logFieldEventName, frame.EventName),
		zap.Int(logFieldFrameBytes, len(frame.Data)),
		zap.Error(err),
	)
	if normalizer.recorder != nil {
		normalizer.recorder.RecordDiscard(string(frame.Channel), reason)
	}
	return RemoteEvent{}, false
}

// Discarded returns the number of soft errors recorded so far.
func (normalizer *Normalizer) Discarded() int64 {
	return normalizer.discarded.Load()
}

// DiscardReason maps a Parse error onto a stable label.
func DiscardReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKind):
		return DiscardReasonUnknownKind
	case errors.Is(err, ErrMissingField):
		return DiscardReasonMissingField
	case errors.Is(err, ErrInvalidTimestamp):
		return DiscardReasonTimestamp
	default:
		return DiscardReasonMalformed
	}
}
