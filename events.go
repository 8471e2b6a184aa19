package chatual

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Inbound events
// ============================================================================

// Inbound event discriminants.
const (
	EventNewMessage         = "new_message"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventRoomOnlineUsers    = "room_online_users"
	EventUserTyping         = "user_typing"
	EventPrivateChatRequest = "private_chat_request"
	EventPong               = "pong"
)

// Message types carried by chat messages.
const (
	MessageTypeText  = "text"
	MessageTypePhoto = "photo"
)

// Event is one decoded inbound frame. The concrete type is one of the *Event
// structs below.
type Event interface {
	EventType() string
}

// ChatMessage is a room message as broadcast by the server.
type ChatMessage struct {
	ID               string   `json:"id"`
	RoomID           string   `json:"roomId"`
	UserID           string   `json:"userId"`
	Username         string   `json:"username,omitempty"`
	Content          string   `json:"content"`
	MessageType      string   `json:"messageType,omitempty"`
	PhotoURL         string   `json:"photoUrl,omitempty"`
	PhotoFileName    string   `json:"photoFileName,omitempty"`
	MentionedUserIDs []string `json:"mentionedUserIds,omitempty"`
	CreatedAt        string   `json:"createdAt,omitempty"`
}

// NewMessageEvent is sent when a message arrives in the joined room.
type NewMessageEvent struct {
	Message ChatMessage `json:"message"`
}

// UserJoinedEvent is sent when a user comes online.
type UserJoinedEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// UserLeftEvent is sent when a user goes offline.
type UserLeftEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// RoomOnlineUsersEvent carries the full online roster of a room.
type RoomOnlineUsersEvent struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
}

// UserTypingEvent is sent when a user starts or stops typing.
type UserTypingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// PrivateChatRequestEvent invites the user into a private room.
type PrivateChatRequestEvent struct {
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername,omitempty"`
	RoomID       string `json:"roomId"`
}

// PongEvent answers a keep-alive ping.
type PongEvent struct{}

func (NewMessageEvent) EventType() string         { return EventNewMessage }
func (UserJoinedEvent) EventType() string         { return EventUserJoined }
func (UserLeftEvent) EventType() string           { return EventUserLeft }
func (RoomOnlineUsersEvent) EventType() string    { return EventRoomOnlineUsers }
func (UserTypingEvent) EventType() string         { return EventUserTyping }
func (PrivateChatRequestEvent) EventType() string { return EventPrivateChatRequest }
func (PongEvent) EventType() string               { return EventPong }

type envelope struct {
	Type string `json:"type"`
}

// DecodeEvent parses one inbound frame. Frames with an unrecognised type
// return an error wrapping ErrUnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var ev Event
	switch env.Type {
	case EventNewMessage:
		ev = &NewMessageEvent{}
	case EventUserJoined:
		ev = &UserJoinedEvent{}
	case EventUserLeft:
		ev = &UserLeftEvent{}
	case EventRoomOnlineUsers:
		ev = &RoomOnlineUsersEvent{}
	case EventUserTyping:
		ev = &UserTypingEvent{}
	case EventPrivateChatRequest:
		ev = &PrivateChatRequestEvent{}
	case EventPong:
		return PongEvent{}, nil
	case "":
		return nil, fmt.Errorf("decode frame: missing type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return deref(ev), nil
}

// deref hands out value types so subscribers cannot mutate shared state.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *NewMessageEvent:
		return *e
	case *UserJoinedEvent:
		return *e
	case *UserLeftEvent:
		return *e
	case *RoomOnlineUsersEvent:
		return *e
	case *UserTypingEvent:
		return *e
	case *PrivateChatRequestEvent:
		return *e
	}
	return ev
}

// ============================================================================
// Outbound commands
// ============================================================================

// Outbound command discriminants.
const (
	CommandJoin    = "join"
	CommandMessage = "message"
	CommandTyping  = "typing"
	CommandPing    = "ping"
)

// JoinCommand asks the server to subscribe the user to a room.
type JoinCommand struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// MessageCommand posts a message to a room.
type MessageCommand struct {
	Type             string   `json:"type"`
	Content          string   `json:"content"`
	MessageType      string   `json:"messageType"`
	RoomID           string   `json:"roomId,omitempty"`
	PhotoURL         string   `json:"photoUrl,omitempty"`
	PhotoFileName    string   `json:"photoFileName,omitempty"`
	MentionedUserIDs []string `json:"mentionedUserIds,omitempty"`
}

// TypingCommand reports the user's typing status.
type TypingCommand struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
	RoomID   string `json:"roomId,omitempty"`
}

// PingCommand keeps the connection alive.
type PingCommand struct {
	Type string `json:"type"`
}

// Attachment is an uploaded photo referenced by a message.
type Attachment struct {
	URL      string
	FileName string
}

// MessageOptions carries the optional parts of SendMessage.
type MessageOptions struct {
	Attachment       *Attachment
	MentionedUserIDs []string
}

func newMessageCommand(content, roomID string, opts *MessageOptions) MessageCommand {
	cmd := MessageCommand{
		Type:        CommandMessage,
		Content:     content,
		MessageType: MessageTypeText,
		RoomID:      roomID,
	}
	if opts != nil {
		if opts.Attachment != nil {
			cmd.MessageType = MessageTypePhoto
			cmd.PhotoURL = opts.Attachment.URL
			cmd.PhotoFileName = opts.Attachment.FileName
		}
		if len(opts.MentionedUserIDs) > 0 {
			cmd.MentionedUserIDs = opts.MentionedUserIDs
		}
	}
	return cmd
}

// commandForItem rebuilds the wire command of a queued item.
func commandForItem(item QueuedItem) any {
	if item.Kind == KindTyping {
		return TypingCommand{Type: CommandTyping, IsTyping: typingFromContent(item.Content), RoomID: item.RoomID}
	}
	opts := &MessageOptions{MentionedUserIDs: item.MentionedUserIDs}
	if item.PhotoURL != "" {
		opts.Attachment = &Attachment{URL: item.PhotoURL, FileName: item.PhotoFileName}
	}
	return newMessageCommand(item.Content, item.RoomID, opts)
}
