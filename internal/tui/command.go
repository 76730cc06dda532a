package tui

import (
	"errors"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), ":"))
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

var errSendUsage = errors.New("usage: send <room> <text>")

// SendArgs splits the arguments of :send into room and text.
func (c Command) SendArgs() (roomID, text string, err error) {
	roomID, text, ok := strings.Cut(c.Args, " ")
	text = strings.TrimSpace(text)
	if !ok || roomID == "" || text == "" {
		return "", "", errSendUsage
	}
	return roomID, text, nil
}
