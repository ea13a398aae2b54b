package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sentinelcam/internal/model"
	"sentinelcam/internal/subscriber"
)

// fakeBroker adapts a single subscriber.Set to the Broker interface so the
// gateway's read/write pumps can be exercised without a real Stream
// Broker.
type fakeBroker struct {
	set *subscriber.Set
	err error
}

func (f *fakeBroker) Subscribe(clientID, sessionID string) (*subscriber.Subscriber, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.set.Attach(clientID), nil
}

func (f *fakeBroker) Unsubscribe(clientID string) {
	f.set.Detach(clientID)
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHandlerSubscribeReceivesFrame(t *testing.T) {
	fb := &fakeBroker{set: subscriber.NewSet(4)}
	h := New(zap.NewNop(), fb)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(InboundEnvelope{Type: TypeSubscribe, SessionID: "sess-1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, subRaw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read subscribed ack: %v", err)
	}
	var ack SubscribedEnvelope
	if err := json.Unmarshal(subRaw, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Type != TypeSubscribed {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}

	fb.set.Publish(model.Frame{Data: []byte("jpegbytes"), Timestamp: time.Now()})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env FrameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeFrame || env.SessionID != "sess-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestHandlerUnknownMessageGetsError(t *testing.T) {
	fb := &fakeBroker{set: subscriber.NewSet(4)}
	h := New(zap.NewNop(), fb)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error envelope: %v", err)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeError {
		t.Fatalf("expected error envelope, got %+v", env)
	}
}

func TestHandlerStreamStoppedOnClose(t *testing.T) {
	fb := &fakeBroker{set: subscriber.NewSet(4)}
	h := New(zap.NewNop(), fb)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(InboundEnvelope{Type: TypeSubscribe, SessionID: "sess-2"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil { // subscribed ack
		t.Fatalf("read subscribed ack: %v", err)
	}

	fb.set.CloseAll()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream_stopped: %v", err)
	}
	var env StreamStoppedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeStreamStopped {
		t.Fatalf("expected stream_stopped envelope, got %+v", env)
	}
}
