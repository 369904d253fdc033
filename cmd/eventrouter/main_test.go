package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "eventrouter v"+appVersion+"\n", out.String())
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger("loud", "json")
	assert.Error(t, err)

	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}
