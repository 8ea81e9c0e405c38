package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "teleport.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		expErr  bool
		expConf func(c *Config)
	}{
		{
			name:    "empty file keeps defaults",
			file:    "",
			expConf: func(c *Config) {},
		},
		{
			name: "overrides",
			file: `
endpoint = "ws://*:8080/rpc"
status_addr = "127.0.0.1:9090"
log_level = "debug"
connect_timeout = "3s"

[kill]
signal = "int"
grace = "250ms"
force = "SIGKILL"
confirm = "2s"
`,
			expConf: func(c *Config) {
				c.Endpoint = "ws://*:8080/rpc"
				c.StatusAddr = "127.0.0.1:9090"
				c.LogLevel = "debug"
				c.ConnectTimeout = 3 * time.Second
				c.Kill.Signal = syscall.SIGINT
				c.Kill.Grace = 250 * time.Millisecond
				c.Kill.Confirm = 2 * time.Second
			},
		},
		{
			name: "partial kill table",
			file: "[kill]\ngrace = \"5s\"\n",
			expConf: func(c *Config) {
				c.Kill.Grace = 5 * time.Second
			},
		},
		{name: "bad duration", file: `connect_timeout = "soon"`, expErr: true},
		{name: "bad signal", file: "[kill]\nsignal = \"SIGNOPE\"\n", expErr: true},
		{name: "unknown key", file: `endpiont = "tcp://*:1"`, expErr: true},
		{name: "not toml", file: `endpoint = `, expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, c.file))
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			exp := Default()
			c.expConf(&exp)
			assert.Equal(t, exp, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseSignal(t *testing.T) {
	for in, exp := range map[string]syscall.Signal{
		"SIGTERM": syscall.SIGTERM,
		"term":    syscall.SIGTERM,
		" Kill ":  syscall.SIGKILL,
		"SIGUSR1": syscall.SIGUSR1,
	} {
		sig, err := ParseSignal(in)
		require.NoError(t, err, in)
		assert.Equal(t, exp, sig, in)
	}
	_, err := ParseSignal("bogus")
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	// TempDir's ancestors are not expected to hold a teleport.toml
	path, err := Find(nested)
	require.NoError(t, err)
	assert.Empty(t, path)

	want := filepath.Join(root, "a", FileName)
	require.NoError(t, os.WriteFile(want, nil, 0o644))
	path, err = Find(nested)
	require.NoError(t, err)
	assert.Equal(t, want, path)
}
