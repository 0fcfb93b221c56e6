package engine

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"
)

func init() {
	if err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "workflow",
		Category:    "command",
		Version:     "v1",
		Description: "Command task dispatch carrying the workflow's runtime parameters",
		Factory:     func() any { return &CommandEvent{} },
	}); err != nil {
		panic("failed to register CommandEvent: " + err.Error())
	}
}

// CommandEvent is the payload a command task publishes to its bound
// subject: the workflow's runtime parameters addressed by workflow and
// task identity, so downstream consumers can correlate replies.
type CommandEvent struct {
	WorkflowID        uuid.UUID         `json:"workflow_id"`
	TaskID            uuid.UUID         `json:"task_id"`
	TaskName          string            `json:"task_name"`
	RuntimeParameters map[string]string `json:"runtime_parameters"`
}

// Schema returns the message type for this payload.
func (e *CommandEvent) Schema() message.Type {
	return CommandEventType
}

// Validate validates the event.
func (e *CommandEvent) Validate() error {
	if e.WorkflowID == uuid.Nil {
		return fmt.Errorf("workflow_id is required")
	}
	if e.TaskID == uuid.Nil {
		return fmt.Errorf("task_id is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *CommandEvent) MarshalJSON() ([]byte, error) {
	type Alias CommandEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *CommandEvent) UnmarshalJSON(data []byte) error {
	type Alias CommandEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// CommandEventType is the message type for command dispatch events.
var CommandEventType = message.Type{
	Domain:   "workflow",
	Category: "command",
	Version:  "v1",
}
