package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event identifies media-stream websocket payload variants.
type Event string

const (
	EventConnected Event = "connected"
	EventStart     Event = "start"
	EventMedia     Event = "media"
	EventStop      Event = "stop"
	EventMark      Event = "mark"
	EventClear     Event = "clear"
)

var ErrUnsupportedEvent = errors.New("unsupported media stream event")

// Message is the provider's media-stream envelope. The provider sends
// connected/start/media/stop; we send media/mark/clear.
type Message struct {
	Event     Event         `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      map[string]any    `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 mu-law audio
}

type MarkPayload struct {
	Name string `json:"name"`
}

// ParseMessage decodes one inbound envelope. Unknown events are reported as
// ErrUnsupportedEvent so callers can skip them without dropping the stream.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch msg.Event {
	case EventConnected, EventStop:
		return msg, nil
	case EventStart:
		if msg.Start == nil || msg.Start.CallSID == "" {
			return Message{}, errors.New("start event missing call sid")
		}
		return msg, nil
	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return Message{}, errors.New("media event missing payload")
		}
		return msg, nil
	case EventMark:
		if msg.Mark == nil {
			return Message{}, errors.New("mark event missing name")
		}
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, msg.Event)
	}
}

// Audio decodes the base64 mu-law payload of a media message.
func (p *MediaPayload) Audio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return data, nil
}

// MediaMessage builds an outbound audio envelope from wire-format bytes.
func MediaMessage(streamSID string, frame []byte) Message {
	return Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media: &MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(frame),
		},
	}
}

// ClearMessage tells the provider to flush any buffered outbound audio.
// Sent on barge-in so the caller stops hearing the canceled reply.
func ClearMessage(streamSID string) Message {
	return Message{Event: EventClear, StreamSID: streamSID}
}

// MarkMessage requests a playback checkpoint notification from the provider.
func MarkMessage(streamSID, name string) Message {
	return Message{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
}
