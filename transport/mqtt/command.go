package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/device/ota"
)

// Command operations accepted on the command topic.
const (
	OpStart  = "start"
	OpAbort  = "abort"
	OpRemove = "remove"
	OpUpdate = "update"
	OpPulled = "pulled"
)

// ErrInvalidCommand is returned by ParseCommand.
var ErrInvalidCommand = errors.New("invalid command")

// Command is an operator request received on the command topic.
type Command struct {
	Op      string         `json:"op"`
	Process core.ProcessID `json:"process"`
	// Parameters are required for OpStart.
	Parameters *core.Parameters `json:"parameters,omitempty"`
	// Origin is where the start command came from. Missing-fragment
	// requests go there unless the parameters name a request endpoint.
	Origin core.Endpoint `json:"origin"`
	// Delay is the activation delay in seconds for OpUpdate.
	Delay uint16 `json:"delay,omitempty"`
}

// CommandHandler is called for every valid command.
type CommandHandler func(Command)

// ParseCommand decodes and checks a JSON command.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	switch cmd.Op {
	case OpStart:
		if cmd.Parameters == nil {
			return Command{}, fmt.Errorf("%w: start without parameters", ErrInvalidCommand)
		}
		if cmd.Process == 0 {
			cmd.Process = cmd.Parameters.ProcessID
		}
		if cmd.Parameters.ProcessID != cmd.Process {
			return Command{}, fmt.Errorf("%w: process %v does not match parameters %v",
				ErrInvalidCommand, cmd.Process, cmd.Parameters.ProcessID)
		}
	case OpAbort, OpRemove, OpUpdate, OpPulled:
	default:
		return Command{}, fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, cmd.Op)
	}
	return cmd, nil
}

// Apply runs cmd against engine.
func (c Command) Apply(engine *ota.Engine) error {
	switch c.Op {
	case OpStart:
		return engine.Start(c.Parameters, c.Origin)
	case OpAbort:
		return engine.Abort(c.Process)
	case OpRemove:
		return engine.Remove(c.Process)
	case OpUpdate:
		return engine.ConfirmUpdate(c.Process, c.Delay)
	case OpPulled:
		return engine.OnFirmwarePulled(c.Process)
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, c.Op)
}

// resourceDescription is the retained JSON form of a registered resource.
type resourceDescription struct {
	Path       string `json:"path"`
	Type       string `json:"type"`
	MaxAge     uint32 `json:"max_age"`
	Observable bool   `json:"observable"`
	Content    []byte `json:"content,omitempty"`
}

func describeResource(r ota.Resource) resourceDescription {
	d := resourceDescription{
		Path:       r.Path,
		Type:       r.Type,
		MaxAge:     r.MaxAge,
		Observable: r.Observable,
	}
	if r.Content != nil {
		d.Content = r.Content()
	}
	return d
}
