// Package config loads the teleport CLI configuration from a TOML file. Keys that are
// absent keep their defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/teleport/worker"
	"golang.org/x/sys/unix"
)

type Config struct {
	Endpoint       string
	StatusAddr     string
	LogLevel       string
	ConnectTimeout time.Duration
	Kill           worker.KillPolicy
}

func Default() Config {
	return Config{
		Endpoint:       "tcp://*:2222",
		LogLevel:       "info",
		ConnectTimeout: 10 * time.Second,
		Kill:           worker.DefaultKillPolicy(),
	}
}

type fileConfig struct {
	Endpoint       string   `toml:"endpoint"`
	StatusAddr     string   `toml:"status_addr"`
	LogLevel       string   `toml:"log_level"`
	ConnectTimeout string   `toml:"connect_timeout"`
	Kill           killFile `toml:"kill"`
}

type killFile struct {
	Signal  string `toml:"signal"`
	Grace   string `toml:"grace"`
	Force   string `toml:"force"`
	Confirm string `toml:"confirm"`
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}

	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"kill.grace", raw.Kill.Grace, &cfg.Kill.Grace},
		{"kill.confirm", raw.Kill.Confirm, &cfg.Kill.Confirm},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = v
	}

	signals := []struct {
		key string
		val string
		dst *syscall.Signal
	}{
		{"signal", raw.Kill.Signal, &cfg.Kill.Signal},
		{"force", raw.Kill.Force, &cfg.Kill.Force},
	}
	for _, s := range signals {
		if !meta.IsDefined("kill", s.key) {
			continue
		}
		sig, err := ParseSignal(s.val)
		if err != nil {
			return Config{}, fmt.Errorf("parsing kill.%s: %w", s.key, err)
		}
		*s.dst = sig
	}

	return cfg, nil
}

// ParseSignal accepts a signal name with or without its SIG prefix, in any case.
func ParseSignal(s string) (syscall.Signal, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

// FileName is the config file Find looks for.
const FileName = "teleport.toml"

// Find walks up from dir looking for FileName and returns its path, or "" if there is none.
func Find(dir string) (string, error) {
	cur := dir
	for {
		candidate := filepath.Join(cur, FileName)
		fi, err := os.Stat(candidate)
		switch {
		case err == nil && !fi.IsDir():
			return candidate, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("searching for %s: %w", FileName, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", nil
		}
		cur = parent
	}
}
