package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, sections map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(sections)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func fullSections(t *testing.T) map[string]any {
	t.Helper()
	raw, err := toSections(Default())
	require.NoError(t, err)

	sections := map[string]any{}
	for k, v := range raw {
		sections[k] = v
	}
	return sections
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := Load(path)
	assert.ErrorIs(t, err, ErrCreated)
	assert.Nil(t, cfg)
	assert.FileExists(t, path)

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Core.DryRun)
	assert.Contains(t, cfg.Uploader, "google")
}

func TestLoadUpgradesMissingSections(t *testing.T) {
	sections := fullSections(t)
	delete(sections, "plex")
	delete(sections, "sabnzbd")
	path := writeConfig(t, sections)

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUpgraded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	upgraded := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(data, &upgraded))
	for _, name := range Sections {
		assert.Contains(t, upgraded, name)
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Plex.MaxStreamsBeforeThrottle)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, fullSections(t))
	t.Setenv("core", `{"dry_run": false, "rclone_config_path": "/tmp/rclone.conf"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Core.DryRun)
	assert.Equal(t, "/tmp/rclone.conf", cfg.Core.RcloneConfigPath)

	t.Setenv("core", "{not json")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Validate(Default()))
	})

	t.Run("uploader without remote", func(t *testing.T) {
		cfg := Default()
		cfg.Uploader["orphan"] = cfg.Uploader["google"]
		err := Validate(cfg)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "orphan")
	})

	t.Run("syncer with unknown remote", func(t *testing.T) {
		cfg := Default()
		s := cfg.Syncer["google2amzn"]
		s.SyncTo = "dropbox"
		cfg.Syncer["google2amzn"] = s
		assert.ErrorIs(t, Validate(cfg), ErrInvalid)
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := Default()
		u := cfg.Uploader["google"]
		u.Schedule.Enabled = true
		u.Schedule.AllowedFrom = "25:99"
		cfg.Uploader["google"] = u
		assert.ErrorIs(t, Validate(cfg), ErrInvalid)
	})

	t.Run("zero check interval", func(t *testing.T) {
		cfg := Default()
		u := cfg.Uploader["google"]
		u.CheckInterval = 0
		cfg.Uploader["google"] = u
		assert.ErrorIs(t, Validate(cfg), ErrInvalid)
	})
}

func TestWithin(t *testing.T) {
	clock := func(s string) Clock {
		c, err := ParseClock(s)
		require.NoError(t, err)
		return c
	}

	assert.True(t, Within(clock("05:00"), clock("04:00"), clock("08:00")))
	assert.False(t, Within(clock("08:00"), clock("04:00"), clock("08:00")))
	assert.True(t, Within(clock("23:30"), clock("22:00"), clock("06:00")))
	assert.True(t, Within(clock("01:00"), clock("22:00"), clock("06:00")))
	assert.False(t, Within(clock("12:00"), clock("22:00"), clock("06:00")))
}

func TestLoadSettings(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)

	t.Setenv("CLOUDPLOW_LOGLEVEL", "DEBUG")
	t.Setenv("CLOUDPLOW_CONFIG", "/env/config.json")
	require.NoError(t, flags.Parse([]string{"--config", "/flag/config.json"}))

	settings, err := LoadSettings(flags)
	require.NoError(t, err)
	assert.Equal(t, "/flag/config.json", settings.Config)
	assert.Equal(t, "DEBUG", settings.LogLevel)
	assert.Equal(t, settingDefaults["cachefile"], settings.CacheFile)
}
