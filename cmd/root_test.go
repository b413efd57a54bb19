package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"serve", "migrate", "import", "watchdog", "voice", "research", "rules"} {
		assert.True(t, names[want], "command %s not registered", want)
	}
}

func TestImportRequiresWorkspace(t *testing.T) {
	flag := importCmd.Flags().Lookup("workspace")
	require.NotNil(t, flag)
	assert.NotEmpty(t, flag.Annotations[cobra.BashCompOneRequiredFlag])
}
