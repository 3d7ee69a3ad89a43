package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"collabverse/internal/core"
)

// EventType names a finance mutation.
type EventType string

const (
	EventExpenseCreated       EventType = "expense.created"
	EventExpenseUpdated       EventType = "expense.updated"
	EventExpenseStatusChanged EventType = "expense.status_changed"
	EventBudgetUpdated        EventType = "budget.updated"
)

// IsValid reports whether t is one of the known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventExpenseCreated, EventExpenseUpdated, EventExpenseStatusChanged, EventBudgetUpdated:
		return true
	}
	return false
}

// ExpenseEventMessage is the audit record published after every successful
// write. It carries identifiers only; consumers re-read state if they need it.
type ExpenseEventMessage struct {
	Type           EventType `json:"type"`
	ExpenseID      string    `json:"expenseId,omitempty"`
	ProjectID      string    `json:"projectId"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	ActorID        string    `json:"actorId"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewExpenseEvent describes a change to e made by actorID.
func NewExpenseEvent(eventType EventType, e core.Expense, actorID string) *ExpenseEventMessage {
	return &ExpenseEventMessage{
		Type:        eventType,
		ExpenseID:   e.ID,
		ProjectID:   e.ProjectID,
		WorkspaceID: e.WorkspaceID,
		Status:      e.Status.String(),
		ActorID:     actorID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewStatusChangedEvent is NewExpenseEvent for a status transition into e.Status.
func NewStatusChangedEvent(e core.Expense, actorID string) *ExpenseEventMessage {
	msg := NewExpenseEvent(EventExpenseStatusChanged, e, actorID)
	msg.PreviousStatus = e.Status.Previous().String()
	return msg
}

// NewBudgetEvent describes a budget replacement.
func NewBudgetEvent(b core.Budget, actorID string) *ExpenseEventMessage {
	return &ExpenseEventMessage{
		Type:      EventBudgetUpdated,
		ProjectID: b.ProjectID,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
	}
}

// Validate rejects messages no consumer can act on.
func (m *ExpenseEventMessage) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("unknown event type %q", m.Type)
	}
	if m.ProjectID == "" {
		return fmt.Errorf("event %s without projectId", m.Type)
	}
	if m.Type != EventBudgetUpdated && m.ExpenseID == "" {
		return fmt.Errorf("event %s without expenseId", m.Type)
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *ExpenseEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseEventMessageFromJSON decodes and validates a message.
func ExpenseEventMessageFromJSON(data []byte) (*ExpenseEventMessage, error) {
	var msg ExpenseEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
