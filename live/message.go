// Package live subscribes to the metasmoke websocket and turns its events
// into decoration requests.
package live

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"aim-bot/annotation"
	"aim-bot/metasmoke"
)

// ErrMalformed is returned for messages that carry no usable event.
var ErrMalformed = errors.New("malformed websocket message")

// Control message types. Any other type carries an event.
const (
	TypeWelcome             = "welcome"
	TypePing                = "ping"
	TypeConfirmSubscription = "confirm_subscription"
)

// Envelope is a single frame from the server.
type Envelope struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// IsControl reports whether e is a no-op control frame.
func (e Envelope) IsControl() bool {
	switch e.Type {
	case TypeWelcome, TypePing, TypeConfirmSubscription:
		return true
	}
	return false
}

// Request is a decoration request derived from an event.
type Request struct {
	ID      annotation.Identifier
	Payload annotation.Payload
}

type eventMessage struct {
	FlagLog     *flagLog            `json:"flag_log"`
	DeletionLog *deletionLog        `json:"deletion_log"`
	Feedback    *metasmoke.Feedback `json:"feedback"`
	NotFlagged  *notFlagged         `json:"not_flagged"`
}

type flagLog struct {
	User *metasmoke.FlagUser `json:"user"`
	Post *eventPost          `json:"post"`
}

type deletionLog struct {
	PostLink string `json:"post_link"`
}

type notFlagged struct {
	Post *eventPost `json:"post"`
}

// eventPost is a post as embedded in websocket events. Every annotation
// field is optional.
type eventPost struct {
	Link         string               `json:"link"`
	Autoflagged  json.RawMessage      `json:"autoflagged"`
	ReasonWeight *float64             `json:"reason_weight"`
	Feedbacks    []metasmoke.Feedback `json:"feedbacks"`
}

// flagState reads the autoflagged field, which is either the full flag
// block or a bare boolean.
func (p *eventPost) flagState() (*metasmoke.FlagState, bool) {
	raw := bytes.TrimSpace(p.Autoflagged)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	var st metasmoke.FlagState
	if err := json.Unmarshal(raw, &st); err == nil {
		return &st, true
	}
	var flagged bool
	if err := json.Unmarshal(raw, &flagged); err == nil {
		return &metasmoke.FlagState{Flagged: flagged}, true
	}
	return nil, false
}

// extras derives the payloads the post carries besides its flag state.
func (p *eventPost) extras(id annotation.Identifier) []Request {
	var out []Request
	if len(p.Feedbacks) > 0 {
		out = append(out, Request{id, metasmoke.FeedbackPayload(p.Feedbacks)})
	}
	if p.ReasonWeight != nil {
		out = append(out, Request{id, annotation.Weight{Value: *p.ReasonWeight}})
	}
	return out
}

// Normalize maps an event envelope to decoration requests. Control frames
// yield no requests and no error.
func Normalize(env Envelope) ([]Request, error) {
	if env.IsControl() {
		return nil, nil
	}
	if len(env.Message) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	var msg eventMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case msg.FlagLog != nil:
		return normalizeFlagLog(msg.FlagLog)
	case msg.DeletionLog != nil:
		if msg.DeletionLog.PostLink == "" {
			return nil, fmt.Errorf("%w: deletion without post link", ErrMalformed)
		}
		return []Request{{annotation.Identifier(msg.DeletionLog.PostLink), annotation.Deletion{}}}, nil
	case msg.Feedback != nil:
		if msg.Feedback.PostLink == "" {
			return nil, fmt.Errorf("%w: feedback without post link", ErrMalformed)
		}
		return []Request{{
			annotation.Identifier(msg.Feedback.PostLink),
			metasmoke.FeedbackPayload([]metasmoke.Feedback{*msg.Feedback}),
		}}, nil
	case msg.NotFlagged != nil:
		return normalizeNotFlagged(msg.NotFlagged)
	}
	return nil, fmt.Errorf("%w: unknown event", ErrMalformed)
}

func normalizeFlagLog(fl *flagLog) ([]Request, error) {
	if fl.Post == nil || fl.Post.Link == "" {
		return nil, fmt.Errorf("%w: flag log without post link", ErrMalformed)
	}
	id := annotation.Identifier(fl.Post.Link)

	info := annotation.FlagInfo{Flagged: true}
	if st, ok := fl.Post.flagState(); ok {
		info = st.Payload()
	}
	if fl.User != nil {
		info.Users = append(info.Users, fl.User.AnnotationUser())
	}

	return append([]Request{{id, info}}, fl.Post.extras(id)...), nil
}

func normalizeNotFlagged(nf *notFlagged) ([]Request, error) {
	if nf.Post == nil || nf.Post.Link == "" {
		return nil, fmt.Errorf("%w: not-flagged event without post link", ErrMalformed)
	}
	id := annotation.Identifier(nf.Post.Link)

	info := annotation.FlagInfo{Flagged: false}
	if st, ok := nf.Post.flagState(); ok {
		info = st.Payload()
		info.Flagged = false
	}

	return append([]Request{{id, info}}, nf.Post.extras(id)...), nil
}
