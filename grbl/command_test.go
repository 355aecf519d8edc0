package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		ok       bool
		expected Command
	}{
		{line: "G0 X10", ok: true, expected: Gcode("G0 X10")},
		{line: "  $$  ", ok: true, expected: Gcode("$$")},
		{line: "%%HOME", ok: true, expected: Command{Kind: CommandHomeMacro}},
		{line: " %%RESET ", ok: true, expected: Command{Kind: CommandResetMacro}},
		{line: "%%STREAM /tmp/job.nc", ok: true, expected: StreamFile("/tmp/job.nc")},
		{line: "%%STREAM   my job.nc ", ok: true, expected: StreamFile("my job.nc")},
		{line: "%%STREAM", ok: false},
		{line: "", ok: false},
		{line: "   \t", ok: false},
		{line: "%%HOMEX", ok: true, expected: Gcode("%%HOMEX")},
	}

	for _, tt := range tests {
		cmd, ok := ParseCommand(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.expected, cmd, tt.line)
		}
	}
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "G1 X1", Gcode("G1 X1").String())
	assert.Equal(t, TokenHome, Command{Kind: CommandHomeMacro}.String())
	assert.Equal(t, TokenReset, Command{Kind: CommandResetMacro}.String())
	assert.Equal(t, "%%STREAM a.nc", StreamFile("a.nc").String())
	assert.Equal(t, "eof", EndOfInput().String())
}
