package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "status"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("dir"))
}

func TestRootCmd_RequiresCredentials(t *testing.T) {
	t.Setenv("PG_USER", "")
	t.Setenv("PG_PASSWORD", "")
	t.Setenv("PG_DATABASE", "")

	root := newRootCmd()
	root.SetArgs([]string{"status"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment variable is required")
}
