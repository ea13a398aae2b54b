// Package wsgateway is the push-socket front door for the Stream Broker:
// it upgrades HTTP connections, decodes subscribe/unsubscribe envelopes,
// and writes frame/error/stream_stopped envelopes back out. Grounded on
// the detection hub's websocket handler and its typed message
// constructors, generalized into a closed tagged-union envelope type per
// the design's note on replacing duck-typed JSON with explicit
// discriminants.
package wsgateway

import "encoding/json"

// Inbound discriminants, sent by the client.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Outbound discriminants, sent by the gateway.
const (
	TypeFrame         = "frame"
	TypeSubscribed    = "subscribed"
	TypeStreamStopped = "stream_stopped"
	TypeError         = "error"
)

// InboundEnvelope is the closed set of messages a client may send. Unknown
// discriminants are rejected rather than silently ignored.
type InboundEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// FrameEnvelope carries one base64-encoded JPEG frame to a subscriber.
type FrameEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// NewFrameEnvelope builds a frame envelope. dataB64 is the JPEG bytes,
// already base64-encoded by the caller per the wire convention.
func NewFrameEnvelope(sessionID string, dataB64 string, timestampUnixMilli int64) FrameEnvelope {
	return FrameEnvelope{Type: TypeFrame, SessionID: sessionID, Data: dataB64, Timestamp: timestampUnixMilli}
}

// SubscribedEnvelope confirms a successful subscribe.
type SubscribedEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func NewSubscribedEnvelope(sessionID string) SubscribedEnvelope {
	return SubscribedEnvelope{Type: TypeSubscribed, SessionID: sessionID, Message: "subscribed"}
}

// StreamStoppedEnvelope notifies a subscriber that its session ended.
type StreamStoppedEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func NewStreamStoppedEnvelope(sessionID, message string) StreamStoppedEnvelope {
	return StreamStoppedEnvelope{Type: TypeStreamStopped, SessionID: sessionID, Message: message}
}

// ErrorEnvelope names a failure condition in human-readable form.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorEnvelope(message string) ErrorEnvelope {
	return ErrorEnvelope{Type: TypeError, Message: message}
}

// ParseInbound decodes and validates an inbound message's discriminant.
func ParseInbound(raw []byte) (InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundEnvelope{}, err
	}
	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe:
		return env, nil
	default:
		return InboundEnvelope{}, errUnknownDiscriminant(env.Type)
	}
}

type unknownDiscriminantError string

func (e unknownDiscriminantError) Error() string {
	return "wsgateway: unknown message type " + string(e)
}

func errUnknownDiscriminant(t string) error {
	return unknownDiscriminantError(t)
}
