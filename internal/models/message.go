package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a message. Transitions are monotonic:
// queued -> processing -> one of {finished, stopped, failed}. A terminal
// status is never overwritten.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the message lifecycle.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusStopped || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next.Terminal()
	case StatusProcessing:
		return next.Terminal()
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the typed content fragments of a message.
type PartType string

const (
	PartText         PartType = "text"
	PartFile         PartType = "file"
	PartReasoning    PartType = "reasoning"
	PartToolCall     PartType = "tool-call"
	PartToolResult   PartType = "tool-result"
	PartStepBoundary PartType = "step-start"
)

// Part is one content fragment of a message. Fragments carry enough
// information to be rendered incrementally; unused fields are omitted
// from the wire form.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	FileID     string          `json:"file_id,omitempty"`
	MediaType  string          `json:"media_type,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Message is the unit of real-time interest. Snapshots of the whole
// message (never diffs) are streamed to subscribers while an assistant
// reply is generated.
type Message struct {
	ID             string         `json:"id"` // ULID
	ConversationID string         `json:"conversation_id"`
	ParentID       string         `json:"parent_id,omitempty"`
	Role           Role           `json:"role"`
	Status         Status         `json:"status"`
	Parts          []Part         `json:"parts"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so a snapshot can be serialized while the
// pipeline keeps appending to the original.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Parts = make([]Part, len(m.Parts))
	copy(cp.Parts, m.Parts)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AppendText merges a text delta into the trailing text part, creating
// one if the last part is not text.
func (m *Message) AppendText(delta string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartText {
		m.Parts[n-1].Text += delta
		return
	}
	m.Parts = append(m.Parts, Part{Type: PartText, Text: delta})
}
