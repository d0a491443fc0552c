package console

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amurg-ai/botgate/pkg/protocol"
)

// ErrEmptyInput is returned for blank lines, which send nothing.
var ErrEmptyInput = errors.New("empty input")

const helpText = "/start <goal>  /stop  /restart  /clear  /state  /quit  (plain text is sent to the agent)"

// ParseInput turns a line typed into the console into an operator command.
// Lines starting with "/" are console commands; "//" escapes a leading slash.
// Anything else is a message for the agent.
func ParseInput(line string) (protocol.OperatorFrame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyInput
	}
	if strings.HasPrefix(line, "//") {
		return protocol.SendCommand{Message: line[1:]}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.SendCommand{Message: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "start":
		if arg == "" {
			return nil, errors.New("usage: /start <goal>")
		}
		return protocol.StartCommand{Goal: arg}, nil
	case "stop":
		return protocol.StopCommand{}, nil
	case "restart":
		return protocol.RestartCommand{}, nil
	case "clear":
		return protocol.ClearLogCommand{}, nil
	case "state":
		return protocol.GetStateCommand{}, nil
	default:
		return nil, fmt.Errorf("unknown command /%s", name)
	}
}
