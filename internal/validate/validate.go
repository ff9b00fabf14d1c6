// Package validate turns untrusted serialized envelopes into text events.
//
// Validation never fails loudly: every input yields a Result that is either a
// usable envelope or a drop reason. Callers log and count drops, nothing more.
package validate

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"captionrelay/internal/textevent"
)

// Reason explains why a payload was dropped.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonParse  Reason = "parse"
	ReasonShape  Reason = "shape"
	ReasonSchema Reason = "schema"
)

type Result struct {
	Envelope textevent.Envelope
	Reason   Reason
	// Detail names the offending field for schema drops.
	Detail string
}

func (r Result) OK() bool { return r.Reason == ReasonNone }

func drop(reason Reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Validator checks envelopes against the text event schema.
// The zero value is ready to use.
type Validator struct {
	// MaxBytes drops larger payloads before parsing; 0 disables the check.
	MaxBytes int
}

func (v Validator) Validate(raw []byte) Result {
	if v.MaxBytes > 0 && len(raw) > v.MaxBytes {
		return drop(ReasonShape, "size")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		// Non-object JSON (arrays, strings, null) also fails here.
		if json.Valid(raw) {
			return drop(ReasonShape, "envelope")
		}
		return drop(ReasonParse, "")
	}

	var topic string
	rawTopic := bytes.TrimSpace(top["topic"])
	if len(rawTopic) == 0 || rawTopic[0] != '"' || json.Unmarshal(rawTopic, &topic) != nil || topic == "" {
		return drop(ReasonShape, "topic")
	}

	rawData, ok := top["data"]
	if !ok {
		return drop(ReasonShape, "data")
	}
	dec := json.NewDecoder(bytes.NewReader(rawData))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil || data == nil {
		return drop(ReasonShape, "data")
	}

	ev, field, ok := textSchema.apply(data)
	if !ok {
		return drop(ReasonSchema, field)
	}
	return Result{Envelope: textevent.Envelope{Topic: topic, Data: ev}}
}

// ValidateString is a convenience for transports that deliver text frames.
func (v Validator) ValidateString(raw string) Result {
	return v.Validate([]byte(raw))
}

// ---- schema ----

type kind int

const (
	kindNumber kind = iota
	kindString
	kindObject
)

type property struct {
	name     string
	kind     kind
	def      any // nil: no default
	required bool
}

type schema []property

// textSchema mirrors the text event wire format:
//
//	type           number, required, default 0 (final)
//	value          string, required, default ""
//	textFieldType  string, nullable
//	emotes         object of index -> url, optional
var textSchema = schema{
	{name: "type", kind: kindNumber, def: json.Number("0"), required: true},
	{name: "value", kind: kindString, def: "", required: true},
	{name: "textFieldType", kind: kindString},
	{name: "emotes", kind: kindObject},
}

// apply fills defaults, checks types, and builds the event. Unknown keys in
// data are never read, which strips them.
func (s schema) apply(data map[string]any) (textevent.TextEvent, string, bool) {
	var ev textevent.TextEvent
	for _, p := range s {
		val, present := data[p.name]
		if !present || val == nil {
			if p.def == nil {
				if p.required {
					return ev, p.name, false
				}
				continue
			}
			val = p.def
		}

		switch p.name {
		case "type":
			n, ok := val.(json.Number)
			if !ok {
				return ev, p.name, false
			}
			t, ok := eventType(n)
			if !ok {
				return ev, p.name, false
			}
			ev.Type = t
		case "value":
			str, ok := val.(string)
			if !ok {
				return ev, p.name, false
			}
			ev.Value = str
		case "textFieldType":
			str, ok := val.(string)
			if !ok {
				return ev, p.name, false
			}
			ev.TextFieldType = str
		case "emotes":
			obj, ok := val.(map[string]any)
			if !ok {
				return ev, p.name, false
			}
			ev.Emotes = emoteMap(obj)
		}
	}
	return ev, "", true
}

func eventType(n json.Number) (textevent.EventType, bool) {
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, false
	}
	t := textevent.EventType(int(f))
	return t, t.Valid()
}

// emoteMap keeps integer-keyed string entries and skips anything else.
// The result is non-nil so a declared (even empty) map stays declared.
func emoteMap(obj map[string]any) map[int]string {
	out := make(map[int]string, len(obj))
	for k, v := range obj {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			continue
		}
		url, ok := v.(string)
		if !ok || url == "" {
			continue
		}
		out[idx] = url
	}
	return out
}
