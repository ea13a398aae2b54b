package wsgateway

import "testing"

func TestParseInboundAcceptsKnownTypes(t *testing.T) {
	env, err := ParseInbound([]byte(`{"type":"subscribe","sessionId":"abc"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeSubscribe || env.SessionID != "abc" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseInboundRejectsUnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown discriminant")
	}
}

func TestParseInboundRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseInbound([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestEnvelopeConstructors(t *testing.T) {
	f := NewFrameEnvelope("s1", "YWJj", 1234)
	if f.Type != TypeFrame || f.SessionID != "s1" || f.Data != "YWJj" || f.Timestamp != 1234 {
		t.Fatalf("unexpected frame envelope: %+v", f)
	}

	s := NewStreamStoppedEnvelope("s1", "done")
	if s.Type != TypeStreamStopped || s.Message != "done" {
		t.Fatalf("unexpected stream_stopped envelope: %+v", s)
	}

	e := NewErrorEnvelope("boom")
	if e.Type != TypeError || e.Message != "boom" {
		t.Fatalf("unexpected error envelope: %+v", e)
	}
}
