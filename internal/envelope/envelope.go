package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEnvelope marks envelopes rejected before persistence or relay.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Mode selects which connections an envelope is delivered to.
type Mode int

const (
	// ModeGroup delivers to every connection joined to the envelope room.
	ModeGroup Mode = iota
	// ModeBroadcast delivers to every connection on every node.
	ModeBroadcast
	// ModeUnicast delivers to the single connection registered for ToUser.
	ModeUnicast
)

func (m Mode) String() string {
	switch m {
	case ModeBroadcast:
		return "broadcast"
	case ModeUnicast:
		return "unicast"
	case ModeGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Envelope is the normalized chat record carried through persistence and relay.
type Envelope struct {
	User    string
	Room    string
	Payload Payload
	Mode    Mode
	ToUser  string
	Time    time.Time
}

// Validate enforces the envelope invariants. Every failure wraps ErrInvalidEnvelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.User) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidEnvelope)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	}
	if !e.Payload.Kind().Valid() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidEnvelope, e.Payload.Kind())
	}
	if e.Payload.Data() == "" {
		return fmt.Errorf("%w: data is required", ErrInvalidEnvelope)
	}
	switch e.Mode {
	case ModeUnicast:
		if strings.TrimSpace(e.ToUser) == "" {
			return fmt.Errorf("%w: unicast requires toUser", ErrInvalidEnvelope)
		}
	case ModeGroup:
		if strings.TrimSpace(e.Room) == "" {
			return fmt.Errorf("%w: group message requires room", ErrInvalidEnvelope)
		}
	case ModeBroadcast:
	default:
		return fmt.Errorf("%w: unknown delivery mode %d", ErrInvalidEnvelope, e.Mode)
	}
	return nil
}

// wireEnvelope is the JSON shape shared with clients, the relay and storage.
type wireEnvelope struct {
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Data      string    `json:"data"`
	Type      Kind      `json:"type"`
	Broadcast flag      `json:"broadcast"`
	Unicast   bool      `json:"unicast"`
	ToUser    string    `json:"toUser"`
	Time      time.Time `json:"time"`
}

// MarshalJSON renders the relay wire shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		User:   e.User,
		Room:   e.Room,
		ToUser: e.ToUser,
		Time:   e.Time,
	}
	if e.Payload != nil {
		w.Data = e.Payload.Data()
		w.Type = e.Payload.Kind()
	}
	switch e.Mode {
	case ModeBroadcast:
		w.Broadcast = 1
	case ModeUnicast:
		w.Unicast = true
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape. broadcast wins over unicast when both are set.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind := w.Type
	if kind == "" {
		kind = KindText
	}
	payload, err := NewPayload(kind, w.Data)
	if err != nil {
		return err
	}

	mode := ModeGroup
	switch {
	case w.Broadcast != 0:
		mode = ModeBroadcast
	case w.Unicast:
		mode = ModeUnicast
	}

	*e = Envelope{
		User:    w.User,
		Room:    w.Room,
		Payload: payload,
		Mode:    mode,
		ToUser:  w.ToUser,
		Time:    w.Time,
	}
	return nil
}

// Decode parses an envelope sent either as a JSON object or as a JSON string
// holding the serialized object.
func Decode(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		raw = []byte(inner)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if errors.Is(err, ErrInvalidEnvelope) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// flag accepts 0/1 numbers as well as booleans, as browsers send either.
type flag int

func (f *flag) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*f = 1
		return nil
	case "false", "null":
		*f = 0
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("broadcast flag: %w", err)
	}
	if n != 0 {
		*f = 1
	} else {
		*f = 0
	}
	return nil
}
