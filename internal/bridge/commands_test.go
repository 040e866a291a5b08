package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommandRecognizesKnownCommand(t *testing.T) {
	cmd := ParseCommand("/model claude-opus-4")
	assert.Equal(t, CmdModel, cmd.Name)
	assert.Equal(t, []string{"claude-opus-4"}, cmd.Args)
}

func TestParseCommandIsCaseInsensitive(t *testing.T) {
	cmd := ParseCommand("/STATUS")
	assert.Equal(t, CmdStatus, cmd.Name)
}

func TestParseCommandPlainTextIsNotACommand(t *testing.T) {
	cmd := ParseCommand("just talking about /status updates")
	assert.Equal(t, CmdNone, cmd.Name)
}

func TestParseCommandUnknownSlashIsNotACommand(t *testing.T) {
	cmd := ParseCommand("/bogus-thing")
	assert.Equal(t, CmdNone, cmd.Name)
}

func TestParseCommandBareSlashIsNotACommand(t *testing.T) {
	cmd := ParseCommand("/")
	assert.Equal(t, CmdNone, cmd.Name)
}
