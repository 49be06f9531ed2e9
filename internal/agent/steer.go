package agent

import "fmt"

// SteerKind discriminates steering commands. Values are wire-stable.
type SteerKind string

const (
	SteerCancel      SteerKind = "cancel"
	SteerInterrupt   SteerKind = "interrupt"
	SteerInterject   SteerKind = "interject"
	SteerSwitchModel SteerKind = "switch_model"
	SteerSwitchMode  SteerKind = "switch_mode"
)

// Steer is an out-of-band command delivered to a running actor. Cancel and
// Interrupt stop the current stream; Interject buffers a user message for the
// next turn; SwitchModel and SwitchMode take effect on the next turn.
type Steer struct {
	Kind  SteerKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Model string    `json:"model,omitempty"`
	Mode  Mode      `json:"mode,omitempty"`
}

// Validate rejects malformed commands before they reach the mailbox.
func (s Steer) Validate() error {
	switch s.Kind {
	case SteerCancel, SteerInterrupt:
		return nil
	case SteerInterject:
		if s.Text == "" {
			return fmt.Errorf("interject requires text")
		}
	case SteerSwitchModel:
		if s.Model == "" {
			return fmt.Errorf("switch_model requires a model id")
		}
	case SteerSwitchMode:
		if s.Mode != ModeBuild && s.Mode != ModePlan {
			return fmt.Errorf("switch_mode requires mode build or plan, got %q", s.Mode)
		}
	default:
		return fmt.Errorf("unknown steer kind: %s", s.Kind)
	}
	return nil
}

// stops reports whether the command terminates the current stream.
func (s Steer) stops() bool {
	return s.Kind == SteerCancel || s.Kind == SteerInterrupt
}
