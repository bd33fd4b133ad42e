package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigInitRelayYAML(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "relay.yaml")
	c := &ConfigInit{Command: "relay", Format: "yaml", Output: dest}
	require.NoError(t, c.Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)

	var root map[string]any
	require.NoError(t, yaml.Unmarshal(data, &root))
	assert.Contains(t, root, "plugins")
	assert.Contains(t, root, "demo")
	assert.Contains(t, root, "priority")
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(dest, []byte("{}"), 0o644))

	c := &ConfigInit{Command: "export", Format: "json", Output: dest}
	assert.Error(t, c.Run())

	c.Force = true
	assert.NoError(t, c.Run())
}

func TestLowerCamel(t *testing.T) {
	assert.Equal(t, "priority", lowerCamel("Priority"))
	assert.Equal(t, "addr", lowerCamel("Addr"))
	assert.Equal(t, "", lowerCamel(""))
}
