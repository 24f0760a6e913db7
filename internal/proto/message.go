// Package proto defines the wire message envelope shared by the backend, the
// background bridge, the foreground script and the popup, plus the validator
// every endpoint runs before acting on an inbound message.
package proto

import "encoding/json"

// Task identifies what a message is about. Serialized as an integer ordinal;
// all endpoints must keep this enum in lockstep.
type Task int

const (
	TaskHandshake Task = iota
	TaskTokens
	TaskKeepAlive
	TaskOAuth2
	TaskUserData
	TaskLogOut
	TaskOpenPopup
	TaskCookie
	TaskInitSession
	TaskTerminateSession
)

func (t Task) String() string {
	switch t {
	case TaskHandshake:
		return "handshake"
	case TaskTokens:
		return "tokens"
	case TaskKeepAlive:
		return "keep-alive"
	case TaskOAuth2:
		return "oauth2"
	case TaskUserData:
		return "user-data"
	case TaskLogOut:
		return "log-out"
	case TaskOpenPopup:
		return "open-popup"
	case TaskCookie:
		return "cookie"
	case TaskInitSession:
		return "init-session"
	case TaskTerminateSession:
		return "terminate-session"
	}
	return "unknown"
}

// Role identifies a message endpoint: the backend server, the extension
// background process, the in-page foreground script, or the popup UI.
type Role int

const (
	Backend Role = iota
	Background
	Foreground
	Popup
)

func (r Role) String() string {
	switch r {
	case Backend:
		return "backend"
	case Background:
		return "background"
	case Foreground:
		return "foreground"
	case Popup:
		return "popup"
	}
	return "unknown"
}

// Kind distinguishes requests, responses and unsolicited events.
type Kind int

const (
	Request Kind = iota
	Response
	Event
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Response:
		return "response"
	case Event:
		return "event"
	}
	return "unknown"
}

// Premium is the wire shape of a live premium entitlement.
type Premium struct {
	Exp       uint64 `json:"exp"`
	Neon      bool   `json:"neon"`
	Animation bool   `json:"animation"`
	Antyduch  bool   `json:"antyduch"`
}

// LogOut carries logout options.
type LogOut struct {
	AllDevices bool `json:"all_devices"`
}

// PopupState is a popup visibility update.
type PopupState struct {
	Open bool `json:"open"`
}

// Message is the wire envelope. Task-specific payload fields are optional and
// omitted from serialization when unset; omitted-on-wire decodes to the zero
// optional, never an error.
//
// Error is a pointer because presence matters: an empty-but-present reason
// tells the client "retry / join" while a non-empty one is a hard failure.
type Message struct {
	Task   Task `json:"task"`
	Target Role `json:"target"`
	Sender Role `json:"sender"`
	Kind   Kind `json:"kind"`

	AccessToken  string          `json:"access_token,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	Username     string          `json:"username,omitempty"`
	Premium      *Premium        `json:"premium,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	Cookie       string          `json:"cookie,omitempty"`
	SessionScope *int            `json:"session_scope,omitempty"`
	LogOut       *LogOut         `json:"log_out,omitempty"`
	Code         string          `json:"code,omitempty"`
	Error        *string         `json:"error,omitempty"`
	Popup        *PopupState     `json:"popup,omitempty"`

	GameAccountID string `json:"game_account_id,omitempty"`
	CharacterID   string `json:"character_id,omitempty"`
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// NewRequest builds a bare request envelope for the given task.
func NewRequest(task Task, target Role) Message {
	return Message{Task: task, Target: target, Kind: Request}
}

// NewResponse builds a bare response envelope for the given task.
func NewResponse(task Task, target Role) Message {
	return Message{Task: task, Target: target, Kind: Response}
}

// NewEvent builds a bare event envelope for the given task.
func NewEvent(task Task, target Role) Message {
	return Message{Task: task, Target: target, Kind: Event}
}

// ErrorResponse builds an error response for the given task. The reason may be
// empty; the field is still emitted so the receiver can distinguish "retry"
// from "hard failure with reason".
func ErrorResponse(task Task, target Role, reason string) Message {
	m := NewResponse(task, target)
	m.Error = &reason
	return m
}

// TokensResponse builds the response sent after a successful promotion.
func TokensResponse(target Role, access, refresh string, scope int, premium *Premium) Message {
	m := NewResponse(TaskTokens, target)
	m.AccessToken = access
	m.RefreshToken = refresh
	m.SessionScope = &scope
	m.Premium = premium
	return m
}
