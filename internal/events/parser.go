package events

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	errMessageMalformedFrame   = "malformed frame"
	errMessageUnknownKind      = "unknown event kind"
	errMessageMissingField     = "missing required field"
	errMessageInvalidTimestamp = "invalid timestamp"
	errMessageHeartbeat        = "heartbeat frame"
	heartbeatEventName         = "response"
	localDateTimeLayout        = "2006-01-02T15:04:05.999999999"
	localDateTimeSpaceLayout   = "2006-01-02 15:04:05.999999999"
	fieldNameType              = "type"
	fieldNameTimestamp         = "createdAt"
	fieldNamePostID            = "postId"
	fieldNameActorID           = "actorId"
)

var (
	// ErrMalformedFrame reports a frame that is not a JSON object.
	ErrMalformedFrame = errors.New(errMessageMalformedFrame)
	// ErrUnknownKind reports a frame whose type is outside the known set.
	ErrUnknownKind = errors.New(errMessageUnknownKind)
	// ErrMissingField reports a frame lacking a field its kind requires.
	ErrMissingField = errors.New(errMessageMissingField)
	// ErrInvalidTimestamp reports a timestamp in none of the accepted formats.
	ErrInvalidTimestamp = errors.New(errMessageInvalidTimestamp)
	// ErrHeartbeat reports a keepalive frame that carries no event.
	ErrHeartbeat = errors.New(errMessageHeartbeat)
)

type wireUser struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
}

type wirePost struct {
	ID             ID              `json:"id"`
	Content        string          `json:"content"`
	Author         *wireUser       `json:"author"`
	AuthorUsername string          `json:"authorUsername"`
	Timestamp      json.RawMessage `json:"timestamp"`
	CreatedAt      json.RawMessage `json:"createdAt"`
	LikedCount     *int            `json:"likedCount"`
}

type wireFrame struct {
	ID            ID              `json:"id"`
	Type          string          `json:"type"`
	CreatedAt     json.RawMessage `json:"createdAt"`
	Timestamp     json.RawMessage `json:"timestamp"`
	PostID        ID              `json:"postId"`
	LikeCount     *int            `json:"likeCount"`
	ActorID       ID              `json:"actorId"`
	ActorUsername string          `json:"actorUsername"`
	TargetID      ID              `json:"targetId"`
	Content       string          `json:"content"`
	AuthorID      ID              `json:"authorId"`
	Author        string          `json:"authorUsername"`
	IsRead        bool            `json:"isRead"`
	Actor         *wireUser       `json:"actor"`
	Post          *wirePost       `json:"post"`
	PingCheck     json.RawMessage `json:"pingCheck"`
}

// ID accepts identifiers encoded either as JSON strings or numbers.
type ID string

func (identifier *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*identifier = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*identifier = ID(strings.TrimSpace(text))
		return nil
	}
	if _, err := strconv.ParseFloat(string(trimmed), 64); err != nil {
		return fmt.Errorf("%s: %w", errMessageMalformedFrame, err)
	}
	*identifier = ID(trimmed)
	return nil
}

// Parse converts one raw frame into a RemoteEvent. eventName is the transport-level
// event label (empty when the transport has none).
func Parse(data []byte, eventName string, channel Channel) (RemoteEvent, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return RemoteEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kindText := strings.ToUpper(strings.TrimSpace(frame.Type))
	if kindText == "" {
		if eventName == heartbeatEventName || len(frame.PingCheck) > 0 {
			return RemoteEvent{}, ErrHeartbeat
		}
		return RemoteEvent{}, fmt.Errorf("%w: %s", ErrMissingField, fieldNameType)
	}
	kind := Kind(kindText)
	if !kind.Valid() {
		return RemoteEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type)
	}

	event := RemoteEvent{
		Kind:          kind,
		SubjectID:     string(frame.ID),
		ActorID:       string(frame.ActorID),
		ActorUsername: frame.ActorUsername,
		Channel:       channel,
		Payload: Payload{
			Content:        frame.Content,
			AuthorID:       string(frame.AuthorID),
			AuthorUsername: frame.Author,
			IsRead:         frame.IsRead,
		},
	}
	if frame.Actor != nil {
		if event.ActorID == "" {
			event.ActorID = string(frame.Actor.ID)
		}
		if event.ActorUsername == "" {
			event.ActorUsername = frame.Actor.Username
		}
	}
	if frame.LikeCount != nil {
		event.Payload.LikeCount = *frame.LikeCount
		event.Payload.HasLikeCount = true
	}

	rawTimestamp := frame.CreatedAt
	if isEmptyRaw(rawTimestamp) {
		rawTimestamp = frame.Timestamp
	}

	postID := string(frame.PostID)
	if frame.Post != nil {
		if postID == "" {
			postID = string(frame.Post.ID)
		}
		if event.Payload.Content == "" {
			event.Payload.Content = frame.Post.Content
		}
		if frame.Post.Author != nil {
			if event.Payload.AuthorID == "" {
				event.Payload.AuthorID = string(frame.Post.Author.ID)
			}
			if event.Payload.AuthorUsername == "" {
				event.Payload.AuthorUsername = frame.Post.Author.Username
			}
		}
		if event.Payload.AuthorUsername == "" {
			event.Payload.AuthorUsername = frame.Post.AuthorUsername
		}
		if !event.Payload.HasLikeCount && frame.Post.LikedCount != nil {
			event.Payload.LikeCount = *frame.Post.LikedCount
			event.Payload.HasLikeCount = true
		}
		postTimestamp := frame.Post.CreatedAt
		if isEmptyRaw(postTimestamp) {
			postTimestamp = frame.Post.Timestamp
		}
		if !isEmptyRaw(postTimestamp) {
			parsed, err := parseTimestamp(postTimestamp)
			if err != nil {
				return RemoteEvent{}, err
			}
			event.Payload.PostCreatedAt = parsed
		}
		if isEmptyRaw(rawTimestamp) {
			rawTimestamp = postTimestamp
		}
	}

	if isEmptyRaw(rawTimestamp) {
		return RemoteEvent{}, fmt.Errorf("%w: %s", ErrMissingField, fieldNameTimestamp)
	}
	serverTimestamp, err := parseTimestamp(rawTimestamp)
	if err != nil {
		return RemoteEvent{}, err
	}
	event.ServerTimestamp = serverTimestamp
	if event.Payload.PostCreatedAt.IsZero() {
		event.Payload.PostCreatedAt = serverTimestamp
	}

	if kind.TargetsPost() {
		if postID == "" {
			return RemoteEvent{}, fmt.Errorf("%w: %s", ErrMissingField, fieldNamePostID)
		}
		event.TargetID = postID
	} else {
		if event.ActorID == "" {
			return RemoteEvent{}, fmt.Errorf("%w: %s", ErrMissingField, fieldNameActorID)
		}
		event.TargetID = string(frame.TargetID)
	}
	if event.Payload.HasLikeCount && event.Payload.LikeCount < 0 {
		event.Payload.LikeCount = 0
	}
	return event, nil
}

func isEmptyRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Timestamp decodes any accepted wire timestamp into UTC; null or absent stays zero.
type Timestamp struct {
	time.Time
}

func (timestamp *Timestamp) UnmarshalJSON(data []byte) error {
	if isEmptyRaw(data) {
		timestamp.Time = time.Time{}
		return nil
	}
	parsed, err := parseTimestamp(data)
	if err != nil {
		return err
	}
	timestamp.Time = parsed
	return nil
}

// parseTimestamp accepts RFC 3339 strings, zone-less ISO local date-times (read as UTC)
// and epoch milliseconds, returning UTC.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] != '"' {
		milliseconds, err := strconv.ParseInt(string(trimmed), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimestamp, string(trimmed))
		}
		return time.UnixMilli(milliseconds).UTC(), nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	text = strings.TrimSpace(text)
	if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return parsed.UTC(), nil
	}
	for _, layout := range []string{localDateTimeLayout, localDateTimeSpaceLayout} {
		if parsed, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return parsed, nil
		}
	}
	if milliseconds, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(milliseconds).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, text)
}
