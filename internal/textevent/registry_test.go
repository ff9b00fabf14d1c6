package textevent

import "testing"

func TestRegistryDefaultsAndMutation(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	if len(list) != 4 {
		t.Fatalf("expected 4 default sources, got %d", len(list))
	}
	if list[0].Value != TopicAny {
		t.Fatalf("expected sorted list to start with %q, got %q", TopicAny, list[0].Value)
	}

	r.Register(RegisteredEvent{Label: "Chat", Value: "text.chat"})
	if ev, ok := r.Get("text.chat"); !ok || ev.Label != "Chat" {
		t.Fatalf("registered entry missing: %+v %v", ev, ok)
	}
	r.Unregister("text.chat")
	if _, ok := r.Get("text.chat"); ok {
		t.Fatal("entry still present after Unregister")
	}

	r.Register(RegisteredEvent{Label: "no topic"})
	if len(r.List()) != 4 {
		t.Fatal("entry without topic must be ignored")
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	b, err := Envelope{Topic: TopicSTT, Data: TextEvent{Type: Interim, Value: "hi", Emotes: map[int]string{}}}.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// an empty emote map stays on the wire so receivers skip enrichment.
	want := `{"topic":"text.stt","data":{"type":1,"value":"hi","emotes":{}}}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}
