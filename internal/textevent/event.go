// Package textevent defines the text events carried by the relay and the
// envelope they travel in.
package textevent

import (
	"encoding/json"
	"maps"
)

// EventType distinguishes final recognition results from interim (streaming) ones.
// It is encoded as a number on the wire.
type EventType int

const (
	Final EventType = iota
	Interim
)

func (t EventType) Valid() bool { return t == Final || t == Interim }

func (t EventType) String() string {
	switch t {
	case Final:
		return "final"
	case Interim:
		return "interim"
	default:
		return "unknown"
	}
}

// Text field origins.
const (
	FieldTextField  = "textField"
	FieldTwitchChat = "twitchChat"
)

// TextEvent is the unit of distribution.
//
// Emotes maps a word index to an image URL. A nil map means "not computed yet";
// enrichment fills it and never replaces a non-nil map.
type TextEvent struct {
	Type          EventType      `json:"type"`
	Value         string         `json:"value"`
	Emotes        map[int]string `json:"emotes"`
	TextFieldType string         `json:"textFieldType,omitempty"`
}

// Clone returns a copy that does not share the emote map.
func (e TextEvent) Clone() TextEvent {
	if e.Emotes != nil {
		e.Emotes = maps.Clone(e.Emotes)
	}
	return e
}

// Envelope wraps an event with the topic it is published on.
type Envelope struct {
	Topic string    `json:"topic"`
	Data  TextEvent `json:"data"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
