package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChannelKind selects the dispatch policy for a channel. The kind is
// resolved once when a listener subscribes, not re-parsed per message.
type ChannelKind int

const (
	// ChannelConversationUpdated carries conversation-level events and
	// never closes listeners from the dispatcher side.
	ChannelConversationUpdated ChannelKind = iota
	// ChannelMessageUpdated carries whole-message snapshots; a terminal
	// status snapshot is an implicit end-of-stream for the listener.
	ChannelMessageUpdated
)

// Channel is a routing label of the shape <entity-kind>:<entity-id>:<event-kind>.
// It has no stored representation; it only exists while listeners are attached.
type Channel struct {
	Kind     ChannelKind
	EntityID string
}

// ConversationChannel returns the updated-channel for a conversation.
func ConversationChannel(conversationID string) Channel {
	return Channel{Kind: ChannelConversationUpdated, EntityID: conversationID}
}

// MessageChannel returns the updated-channel for a message.
func MessageChannel(messageID string) Channel {
	return Channel{Kind: ChannelMessageUpdated, EntityID: messageID}
}

// String renders the broker channel name.
func (c Channel) String() string {
	switch c.Kind {
	case ChannelMessageUpdated:
		return "messages:" + c.EntityID + ":updated"
	default:
		return "conversations:" + c.EntityID + ":updated"
	}
}

// ParseChannel parses a broker channel name back into a Channel.
func ParseChannel(name string) (Channel, error) {
	fields := strings.Split(name, ":")
	if len(fields) != 3 || fields[2] != "updated" || fields[1] == "" {
		return Channel{}, fmt.Errorf("malformed channel name %q", name)
	}
	switch fields[0] {
	case "messages":
		return MessageChannel(fields[1]), nil
	case "conversations":
		return ConversationChannel(fields[1]), nil
	}
	return Channel{}, fmt.Errorf("unknown channel kind %q", fields[0])
}

// TerminatesOn reports whether the payload ends the subscription for
// this channel kind. Only message-update channels close on a terminal
// status snapshot; anything unparseable keeps the listener attached.
func (c Channel) TerminatesOn(payload []byte) bool {
	if c.Kind != ChannelMessageUpdated {
		return false
	}
	var probe struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Status.Terminal()
}
