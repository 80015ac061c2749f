package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralph/internal/executor"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "ralph")
	assert.Contains(t, output, "--resume")
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "ralph", cmd.Use)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"run", "status", "history", "convert"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionFlag(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "version")
	assert.Contains(t, buf.String(), Version)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, executor.ExitOK},
		{"plain error", errors.New("boom"), executor.ExitSetupError},
		{"incomplete", &ExitError{Code: executor.ExitIncomplete}, executor.ExitIncomplete},
		{"wrapped", fmt.Errorf("run: %w", &ExitError{Code: executor.ExitIncomplete, Err: errors.New("1 task(s) failed")}), executor.ExitIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "exit status 2", (&ExitError{Code: 2}).Error())

	cause := errors.New("1 task(s) failed")
	err := &ExitError{Code: 2, Err: cause}
	assert.Equal(t, "1 task(s) failed", err.Error())
	assert.ErrorIs(t, err, cause)
}
