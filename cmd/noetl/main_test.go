package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/api"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range rootCmd().Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{
		"server", "worker", "register", "run", "cancel", "version",
	} {
		assert.True(t, names[want], want)
	}
}

func TestRunRejectsInvalidPayload(t *testing.T) {
	err := execute(t, "run", "flows/example",
		"--payload", "{not json",
		"--server", "http://localhost:1",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload")
}

func TestCancelRejectsMalformedID(t *testing.T) {
	err := execute(t, "cancel", "not-a-number",
		"--server", "http://localhost:1",
	)
	assert.ErrorIs(t, err, api.ErrInvalidID)
}

func TestRegisterRequiresFileArgument(t *testing.T) {
	err := execute(t, "register")
	assert.Error(t, err)
}
