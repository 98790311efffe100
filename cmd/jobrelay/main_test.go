package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/jobrelay/internal/config"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActions(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("data", "", "")
	require.NoError(t, cmd.Flags().Set("data", `{"file":"out.txt"}`))

	acts, err := parseActions([]string{"ping", "download_res"}, cmd)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, protocol.ActionPing, acts[0].Type)
	assert.Equal(t, protocol.ActionDownloadResults, acts[1].Type)
	assert.Equal(t, "out.txt", acts[1].Data["file"])

	_, err = parseActions([]string{"nope"}, cmd)
	assert.Error(t, err)

	require.NoError(t, cmd.Flags().Set("data", "{"))
	_, err = parseActions([]string{"ping"}, cmd)
	assert.ErrorContains(t, err, "--data")
}

func TestConfigInitWritesLoadableTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hop.toml")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", "hop", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())
	assert.True(t, strings.Contains(out.String(), path))

	cfg, err := config.LoadHop(path)
	require.NoError(t, err)
	assert.Equal(t, "hop", cfg.Name)
	assert.Equal(t, filepath.Join("/tmp/jobrelay", "results"), resultDir(cfg))

	rootCmd.SetArgs([]string{"config", "init", "hop", path})
	assert.Error(t, rootCmd.Execute())
}

func TestCommandsRequireConfig(t *testing.T) {
	rootCmd.SetArgs([]string{"hop"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "--config is required")
}
