package worker

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// CommandAction is a control operation requested by another process over
// the command stream.
type CommandAction string

const (
	CommandPoll       CommandAction = "poll"
	CommandPause      CommandAction = "pause"
	CommandResume     CommandAction = "resume"
	CommandReconnect  CommandAction = "reconnect"
	CommandDisconnect CommandAction = "disconnect"
)

func (a CommandAction) Valid() bool {
	switch a {
	case CommandPoll, CommandPause, CommandResume, CommandReconnect, CommandDisconnect:
		return true
	}
	return false
}

type Command struct {
	ID           string        `json:"id"`
	Action       CommandAction `json:"action"`
	UserID       string        `json:"user_id"`
	ConnectionID uuid.UUID     `json:"connection_id"`
	RequestedAt  time.Time     `json:"requested_at"`
}

func NewCommand(action CommandAction, userID string, connectionID uuid.UUID) *Command {
	return &Command{
		ID:           uuid.New().String(),
		Action:       action,
		UserID:       userID,
		ConnectionID: connectionID,
		RequestedAt:  time.Now().UTC(),
	}
}

// DecodeCommand parses and validates a stream payload.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if !cmd.Action.Valid() {
		return nil, fmt.Errorf("unknown command action %q", cmd.Action)
	}
	if cmd.UserID == "" || cmd.ConnectionID == uuid.Nil {
		return nil, fmt.Errorf("command %s: user and connection are required", cmd.Action)
	}
	return &cmd, nil
}
