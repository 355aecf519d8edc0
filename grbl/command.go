package grbl

import (
	"strings"
)

// Producer tokens recognized by ParseCommand.
const (
	TokenHome   = "%%HOME"
	TokenReset  = "%%RESET"
	TokenStream = "%%STREAM"
)

// CommandKind is the kind of a queued command.
type CommandKind uint8

const (
	CommandGcode CommandKind = iota + 1
	CommandHomeMacro
	CommandResetMacro
	CommandStreamFile
	CommandEndOfInput
)

func (k CommandKind) String() string {
	switch k {
	case CommandGcode:
		return "gcode"
	case CommandHomeMacro:
		return "home"
	case CommandResetMacro:
		return "reset"
	case CommandStreamFile:
		return "stream"
	case CommandEndOfInput:
		return "eof"
	default:
		return "unknown"
	}
}

// Command is one unit of work for the dispatcher. Text is the command line for CommandGcode
// and the file path for CommandStreamFile.
type Command struct {
	Kind CommandKind
	Text string
}

// Gcode returns a plain command. The text is sent as is.
func Gcode(text string) Command {
	return Command{Kind: CommandGcode, Text: text}
}

// StreamFile returns a command streaming the file at path.
func StreamFile(path string) Command {
	return Command{Kind: CommandStreamFile, Text: path}
}

// EndOfInput returns the sentinel closing a session's input.
func EndOfInput() Command {
	return Command{Kind: CommandEndOfInput}
}

func (c Command) String() string {
	switch c.Kind {
	case CommandGcode:
		return c.Text
	case CommandHomeMacro:
		return TokenHome
	case CommandResetMacro:
		return TokenReset
	case CommandStreamFile:
		return TokenStream + " " + c.Text
	default:
		return c.Kind.String()
	}
}

// ParseCommand turns a producer input line into a Command. Blank lines yield false.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, false
	}

	switch {
	case line == TokenHome:
		return Command{Kind: CommandHomeMacro}, true
	case line == TokenReset:
		return Command{Kind: CommandResetMacro}, true
	case line == TokenStream:
		return Command{}, false
	case strings.HasPrefix(line, TokenStream+" "):
		path := strings.TrimSpace(strings.TrimPrefix(line, TokenStream))
		return StreamFile(path), true
	}

	return Gcode(line), true
}
