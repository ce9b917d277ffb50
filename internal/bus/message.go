package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
)

// Message is the envelope for everything that crosses the bus. Subject and
// ReplyTo are relative to the bus prefix.
type Message struct {
	ID            string            `json:"id"`
	Subject       string            `json:"subject"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Handler processes one delivered message. ctx is cancelled when the bus
// closes.
type Handler func(ctx context.Context, msg *Message)

// NewMessage builds a message with a fresh id and JSON-encoded payload.
func NewMessage(subject string, payload any) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bus: encode payload for %s: %w", subject, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New(errors.CodeInvalidRequest, "empty payload on %s", m.Subject)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Wrap(errors.CodeInvalidRequest, err, "decode payload on %s", m.Subject)
	}
	return nil
}

// Header returns a header value.
func (m *Message) Header(key string) string {
	return m.Headers[key]
}

// Reply is the response envelope of a request. Error carries the typed
// error code so it survives the hop.
type Reply struct {
	OK    bool            `json:"ok"`
	Error *ReplyError     `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReplyError is the wire form of a *errors.MeshError.
type ReplyError struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

// NewReply builds the reply for data or err.
func NewReply(data any, err error) (Reply, error) {
	if err != nil {
		return Reply{Error: &ReplyError{Code: errors.CodeOf(err), Message: err.Error()}}, nil
	}
	r := Reply{OK: true}
	if data != nil {
		b, mErr := json.Marshal(data)
		if mErr != nil {
			return Reply{}, fmt.Errorf("bus: encode reply: %w", mErr)
		}
		r.Data = b
	}
	return r, nil
}

// Err turns a failed reply back into a typed error.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return errors.New(errors.CodeInternal, "request failed without error detail")
	}
	return errors.FromCode(r.Error.Code, r.Error.Message)
}

// domain is the first subject token, used as a metric label.
func domain(subject string) string {
	if i := strings.IndexByte(subject, '.'); i > 0 {
		return subject[:i]
	}
	return subject
}
