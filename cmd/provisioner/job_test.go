package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPEAddress(t *testing.T) {
	assert.Equal(t, "", cpeAddress(""))
	assert.Equal(t, "192.168.1.20:22", cpeAddress("192.168.1.20"))
	assert.Equal(t, "192.168.1.20:2222", cpeAddress("192.168.1.20:2222"))
}

func TestRouterConfigFromEnv(t *testing.T) {
	t.Setenv("MAIN_PASSWORD", "")
	_, err := routerConfig()
	require.Error(t, err)

	t.Setenv("MAIN_PASSWORD", "main")
	t.Setenv("ALTERNATIVE_PASSWORDS", `["old1","old2"]`)
	t.Setenv("FIRMWARE_DIR", "/srv/firmware")
	cfg, err := routerConfig()
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Password)
	assert.Equal(t, []string{"old1", "old2"}, cfg.AlternativePasswords)
	assert.Equal(t, "/srv/firmware", cfg.Firmware.Dir)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", " b ", "c"))
	assert.Equal(t, "", firstNonEmpty())
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["job"])

	job, _, err := rootCmd.Find([]string{"job", "cpe"})
	require.NoError(t, err)
	assert.Equal(t, "cpe", job.Name())
	assert.NotNil(t, job.Flags().Lookup("lat"))
}

func TestServeRejectsNonPositiveTickInterval(t *testing.T) {
	cmd := newServeCmd()
	cmd.SetArgs([]string{"--tick-interval", "0s"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tick-interval must be positive")
}
