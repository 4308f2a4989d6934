package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is the discriminant shared by requests and pushes.
type Action string

// Actions used by the frame protocol.
const (
	ActionEnter            Action = "enter"
	ActionLeave            Action = "leave"
	ActionSendMessage      Action = "sendMessage"
	ActionUpdateMemberList Action = "updateMemberList"
	ActionHistoryMessages  Action = "historyMessages"
	ActionSetMemberInfo    Action = "setMemberInfo"
	ActionAccept           Action = "accept"
	ActionRefuse           Action = "refuse"
	ActionTimeout          Action = "timeout"
	ActionReceiveMessage   Action = "receiveMessage"
)

// Known reports whether a is part of the action vocabulary.
func (a Action) Known() bool {
	switch a {
	case ActionEnter, ActionLeave, ActionSendMessage, ActionUpdateMemberList,
		ActionHistoryMessages, ActionSetMemberInfo, ActionAccept, ActionRefuse,
		ActionTimeout, ActionReceiveMessage:
		return true
	default:
		return false
	}
}

// ErrInvalidPayload marks a request body that is not valid for its action.
var ErrInvalidPayload = errors.New("invalid payload")

// Kind is the content type of a chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindFile  Kind = "file"
	KindImage Kind = "image"
)

func (k Kind) valid() bool {
	return k == KindText || k == KindFile || k == KindImage
}

// Message is one entry of a room's log, as pushed in receiveMessage.
// File and image payloads are carried as strings (base64 or an attachment id).
type Message struct {
	Index        int    `json:"index"`
	Kind         Kind   `json:"kind"`
	Payload      string `json:"payload"`
	Mime         string `json:"mime,omitempty"`
	Timestamp    int64  `json:"timestamp"` // unix ms
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar"`
}

// RosterEntry is one element of an updateMemberList push.
type RosterEntry struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// Notice is the body of accept, refuse and timeout replies.
type Notice struct {
	Msg    string `json:"msg"`
	Action Action `json:"action,omitempty"` // request being answered
}

// Enter is a validated enter request.
type Enter struct {
	RoomID      string
	MemberID    string
	DisplayName string
	Avatar      string
}

// SendMessage is a validated sendMessage request.
type SendMessage struct {
	Kind      Kind
	Payload   string
	Mime      string
	Timestamp int64
}

// HistoryQuery is a validated historyMessages request.
type HistoryQuery struct {
	Timestamp int64
	Limit     int
}

// MemberInfo is a validated setMemberInfo request.
type MemberInfo struct {
	DisplayName string
	Avatar      string
}

type enterBody struct {
	RoomID      *string `json:"roomId"`
	MemberID    *string `json:"memberId"`
	DisplayName *string `json:"displayName"`
	Avatar      *string `json:"avatar"`
}

type sendMessageBody struct {
	Kind      *Kind   `json:"kind"`
	Payload   *string `json:"payload"`
	Mime      string  `json:"mime"`
	Timestamp int64   `json:"timestamp"`
}

type historyBody struct {
	Timestamp *int64 `json:"timestamp"`
	Limit     *int   `json:"limit"`
}

type memberInfoBody struct {
	DisplayName *string `json:"displayName"`
	Avatar      *string `json:"avatar"`
}

// ParseEnter decodes and validates an enter body. roomId, memberId and
// displayName must be non-empty; avatar must be present but may be empty.
func ParseEnter(body []byte) (Enter, error) {
	var in enterBody
	if err := decodeBody(body, &in); err != nil {
		return Enter{}, err
	}
	var missing []string
	if blank(in.RoomID) {
		missing = append(missing, "roomId")
	}
	if blank(in.MemberID) {
		missing = append(missing, "memberId")
	}
	if blank(in.DisplayName) {
		missing = append(missing, "displayName")
	}
	if in.Avatar == nil {
		missing = append(missing, "avatar")
	}
	if len(missing) > 0 {
		return Enter{}, missingFields(missing)
	}
	return Enter{
		RoomID:      strings.TrimSpace(*in.RoomID),
		MemberID:    strings.TrimSpace(*in.MemberID),
		DisplayName: strings.TrimSpace(*in.DisplayName),
		Avatar:      *in.Avatar,
	}, nil
}

// ParseSendMessage decodes and validates a sendMessage body. A zero timestamp
// means "use server time".
func ParseSendMessage(body []byte) (SendMessage, error) {
	var in sendMessageBody
	if err := decodeBody(body, &in); err != nil {
		return SendMessage{}, err
	}
	if in.Kind == nil {
		return SendMessage{}, missingFields([]string{"kind"})
	}
	if !in.Kind.valid() {
		return SendMessage{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, *in.Kind)
	}
	if in.Payload == nil || *in.Payload == "" {
		return SendMessage{}, missingFields([]string{"payload"})
	}
	if in.Timestamp < 0 {
		return SendMessage{}, fmt.Errorf("%w: negative timestamp", ErrInvalidPayload)
	}
	return SendMessage{
		Kind:      *in.Kind,
		Payload:   *in.Payload,
		Mime:      strings.TrimSpace(in.Mime),
		Timestamp: in.Timestamp,
	}, nil
}

// ParseHistoryQuery decodes and validates a historyMessages body.
func ParseHistoryQuery(body []byte) (HistoryQuery, error) {
	var in historyBody
	if err := decodeBody(body, &in); err != nil {
		return HistoryQuery{}, err
	}
	var missing []string
	if in.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if in.Limit == nil {
		missing = append(missing, "limit")
	}
	if len(missing) > 0 {
		return HistoryQuery{}, missingFields(missing)
	}
	if *in.Limit <= 0 {
		return HistoryQuery{}, fmt.Errorf("%w: limit must be positive", ErrInvalidPayload)
	}
	return HistoryQuery{Timestamp: *in.Timestamp, Limit: *in.Limit}, nil
}

// ParseMemberInfo decodes and validates a setMemberInfo body.
func ParseMemberInfo(body []byte) (MemberInfo, error) {
	var in memberInfoBody
	if err := decodeBody(body, &in); err != nil {
		return MemberInfo{}, err
	}
	var missing []string
	if blank(in.DisplayName) {
		missing = append(missing, "displayName")
	}
	if in.Avatar == nil {
		missing = append(missing, "avatar")
	}
	if len(missing) > 0 {
		return MemberInfo{}, missingFields(missing)
	}
	return MemberInfo{DisplayName: strings.TrimSpace(*in.DisplayName), Avatar: *in.Avatar}, nil
}

func decodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func missingFields(names []string) error {
	return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(names, ", "))
}
