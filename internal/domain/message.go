package domain

import (
	"fmt"
	"time"
)

// InboundMessage is a single delivery from a transport. It is never mutated
// after the transport publishes it.
type InboundMessage struct {
	ID          string    // unique per transport delivery
	Channel     string    // transport name
	SenderKey   string    // conversation counterpart; serialization key
	Participant string    // author inside a multi-party chat, empty otherwise
	Text        string
	Timestamp   time.Time
	FromSelf    bool
	Group       bool
}

// Author returns the participant for group traffic and the sender key otherwise.
func (m InboundMessage) Author() string {
	if m.Participant != "" {
		return m.Participant
	}
	return m.SenderKey
}

// AgentIdentity labels outbound messages so several agents can share a chat.
type AgentIdentity struct {
	Name   string
	Host   string
	Folder string
}

// Display renders "Name@host folder/".
func (a AgentIdentity) Display() string {
	return fmt.Sprintf("%s@%s %s/", a.Name, a.Host, a.Folder)
}

// Prefix is prepended to every outbound message.
func (a AgentIdentity) Prefix() string {
	return "[" + AgentMarker + " " + a.Display() + "]\n"
}

// AgentMarker opens the prefix of every agent-authored message.
const AgentMarker = "🤖"
