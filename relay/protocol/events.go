package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names.
const (
	EventCreateSession         = "create_session"
	EventJoinRoom              = "join_room"
	EventPhotosFromCell        = "photos_from_cell"
	EventCreateViewerSession   = "create_viewer_session"
	EventJoinViewer            = "join_viewer"
	EventEndSession            = "end_session"
	EventCellEnteredFullscreen = "cell_entered_fullscreen"
)

// Outbound event names.
const (
	EventSessionCreated       = "session_created"
	EventPhotosReady          = "photos_ready"
	EventViewerSessionCreated = "viewer_session_created"
	EventViewerSessionError   = "viewer_session_error"
	EventViewerPhotosReady    = "viewer_photos_ready"
	EventViewerNotFound       = "viewer_not_found"
	EventSessionEnded         = "session_ended"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is an envelope whose payload has not been encoded yet.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Event is one of the typed inbound events below.
type Event interface {
	Name() string
}

type CreateSession struct{}

type JoinRoom struct {
	Session string
}

type PhotosFromCell struct {
	Session string
	Photos  []string
}

// CreateViewerSession asks for an immutable viewer snapshot. StoriesMontage
// is empty when the client did not send one.
type CreateViewerSession struct {
	Session        string
	Photos         []string
	StoriesMontage string
}

type JoinViewer struct {
	ViewerID string
}

type EndSession struct {
	Session string
}

// CellEnteredFullscreen is a pure signal relayed to the other room members.
type CellEnteredFullscreen struct {
	Session string
}

func (CreateSession) Name() string         { return EventCreateSession }
func (JoinRoom) Name() string              { return EventJoinRoom }
func (PhotosFromCell) Name() string        { return EventPhotosFromCell }
func (CreateViewerSession) Name() string   { return EventCreateViewerSession }
func (JoinViewer) Name() string            { return EventJoinViewer }
func (EndSession) Name() string            { return EventEndSession }
func (CellEnteredFullscreen) Name() string { return EventCellEnteredFullscreen }

// DecodeError reports a frame that named a known or unknown event but
// carried a payload of the wrong shape.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a raw websocket frame into a typed Event. Shape problems are
// returned as *DecodeError so callers can tell which event was rejected.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	if env.Event == "" {
		return nil, &DecodeError{Err: fmt.Errorf("%w: missing event name", ErrMalformedFrame)}
	}
	evt, err := Parse(env)
	if err != nil {
		return nil, &DecodeError{Event: env.Event, Err: err}
	}
	return evt, nil
}

// Parse validates the payload of an already split envelope.
func Parse(env Envelope) (Event, error) {
	switch env.Event {
	case EventCreateSession:
		return CreateSession{}, nil

	case EventJoinRoom:
		id, err := decodeID(env.Data, "session")
		if err != nil {
			return nil, err
		}
		return JoinRoom{Session: id}, nil

	case EventPhotosFromCell:
		fields, err := decodeObject(env.Data)
		if err != nil {
			return nil, err
		}
		id, err := stringField(fields, "session")
		if err != nil {
			return nil, err
		}
		photos, err := decodePhotos(fields["photos"])
		if err != nil {
			return nil, err
		}
		return PhotosFromCell{Session: id, Photos: photos}, nil

	case EventCreateViewerSession:
		fields, err := decodeObject(env.Data)
		if err != nil {
			return nil, err
		}
		id, err := stringField(fields, "session")
		if err != nil {
			return nil, err
		}
		photos, err := decodePhotos(fields["photos"])
		if err != nil {
			return nil, err
		}
		montage, err := stringField(fields, "storiesMontage")
		if err != nil {
			return nil, err
		}
		return CreateViewerSession{Session: id, Photos: photos, StoriesMontage: montage}, nil

	case EventJoinViewer:
		id, err := decodeID(env.Data, "viewerId")
		if err != nil {
			return nil, err
		}
		return JoinViewer{ViewerID: id}, nil

	case EventEndSession:
		id, err := decodeID(env.Data, "session")
		if err != nil {
			return nil, err
		}
		return EndSession{Session: id}, nil

	case EventCellEnteredFullscreen:
		id, err := decodeID(env.Data, "session")
		if err != nil {
			return nil, err
		}
		return CellEnteredFullscreen{Session: id}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeID accepts either a bare JSON string or an object carrying the id
// under field. A missing id decodes to "".
func decodeID(raw json.RawMessage, field string) (string, error) {
	if isAbsent(raw) {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return id, nil
	case '{':
		fields, err := decodeObject(raw)
		if err != nil {
			return "", err
		}
		return stringField(fields, field)
	}
	return "", fmt.Errorf("%w: expected string or object", ErrInvalidPayload)
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if isAbsent(raw) {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: expected object", ErrInvalidPayload)
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isAbsent(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, name)
	}
	return s, nil
}

// decodePhotos requires a JSON array of non-empty strings. An empty array is
// valid and decodes to a non-nil empty slice.
func decodePhotos(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: photos must be an array", ErrInvalidPayload)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: photos must be an array", ErrInvalidPayload)
	}
	photos := make([]string, 0, len(items))
	for i, item := range items {
		var photo string
		if err := json.Unmarshal(item, &photo); err != nil || isAbsent(item) {
			return nil, fmt.Errorf("%w: photo %d must be a string", ErrInvalidPayload, i)
		}
		if photo == "" {
			return nil, fmt.Errorf("%w: photo %d is empty", ErrInvalidPayload, i)
		}
		photos = append(photos, photo)
	}
	return photos, nil
}
