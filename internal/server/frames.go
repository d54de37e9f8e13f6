package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/registry"
)

// Client wire frames are {"event": name, "data": payload}.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	eventJoin    = "join"
	eventMessage = "message"
)

// inbound is a decoded client frame.
type inbound interface {
	op() string
}

type joinRequest struct {
	Room string `json:"room"`
	User string `json:"user"`
}

type sendRequest struct {
	Envelope envelope.Envelope
}

func (joinRequest) op() string { return eventJoin }
func (sendRequest) op() string { return eventMessage }

var errUnknownEvent = errors.New("unknown event")

// decodeInbound parses a client frame. Both join and message payloads may be
// sent as an object or as a JSON string holding the object.
func decodeInbound(raw []byte) (inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Event {
	case eventJoin:
		data, err := unwrapString(f.Data)
		if err != nil {
			return nil, fmt.Errorf("decode join: %w", err)
		}
		var req joinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode join: %w", err)
		}
		return req, nil
	case eventMessage:
		env, err := envelope.Decode(f.Data)
		if err != nil {
			return nil, err
		}
		return sendRequest{Envelope: env}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownEvent, f.Event)
	}
}

func unwrapString(data json.RawMessage) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("missing data")
	}
	if data[0] != '"' {
		return data, nil
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, err
	}
	return []byte(inner), nil
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeOutbound renders a registry event as a client frame.
func encodeOutbound(evt registry.Event) ([]byte, error) {
	var data any
	switch e := evt.(type) {
	case registry.MessageEvent:
		data = e.Envelope
	case registry.RoomListEvent:
		data = nonNil(e.Rooms)
	case registry.RosterEvent:
		data = nonNil(e.Users)
	case registry.LogEvent:
		data = e.Text
	case registry.ErrorEvent:
		data = errorData{Code: e.Code, Message: e.Message}
	default:
		return nil, fmt.Errorf("unsupported event %T", evt)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventName(), err)
	}
	return json.Marshal(frame{Event: evt.EventName(), Data: raw})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
