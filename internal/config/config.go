package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

var (
	ErrCreated  = errors.New("default config written, please review it before running again")
	ErrUpgraded = errors.New("config upgraded with new sections, please review it before running again")
	ErrInvalid  = errors.New("config is invalid")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path, fills in missing sections from Default and applies section overrides
// found in the environment. A freshly written or upgraded file yields ErrCreated or
// ErrUpgraded so the caller can stop and let the operator review it.
func Load(path string) (*types.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		syslog.L.Warn().WithMessage("no config file found, creating default config").WithField("path", path).Write()
		if err := Save(path, Default()); err != nil {
			return nil, err
		}
		return nil, ErrCreated
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: error reading config: %w", err)
	}

	sections := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("Load: error decoding %s: %w", path, err)
	}

	added, err := upgrade(sections)
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		syslog.L.Warn().
			WithMessage(fmt.Sprintf("upgraded config, added %d new field(s)", len(added))).
			WithField("fields", strings.Join(added, ",")).
			Write()
		if err := writeSections(path, sections); err != nil {
			return nil, err
		}
		return nil, ErrUpgraded
	}

	if err := applyEnv(sections); err != nil {
		return nil, err
	}

	merged, err := json.Marshal(sections)
	if err != nil {
		return nil, fmt.Errorf("Load: error encoding sections: %w", err)
	}

	cfg := &types.Config{}
	if err := json.Unmarshal(merged, cfg); err != nil {
		return nil, fmt.Errorf("Load: error decoding %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func upgrade(sections map[string]json.RawMessage) ([]string, error) {
	defaults, err := toSections(Default())
	if err != nil {
		return nil, err
	}

	var added []string
	for _, name := range Sections {
		if _, ok := sections[name]; ok {
			continue
		}
		sections[name] = defaults[name]
		added = append(added, name)
	}
	return added, nil
}

// applyEnv replaces any section that has an environment variable of the same name.
func applyEnv(sections map[string]json.RawMessage) error {
	for _, name := range Sections {
		value, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("applyEnv: environment setting %s is not valid JSON", name)
		}
		sections[name] = json.RawMessage(value)
		syslog.L.Info().WithMessage("using ENV setting").WithField("section", name).Write()
	}
	return nil
}

func toSections(cfg *types.Config) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("toSections: %w", err)
	}
	sections := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("toSections: %w", err)
	}
	return sections, nil
}

// Save writes cfg as indented JSON with sorted keys.
func Save(path string, cfg *types.Config) error {
	sections, err := toSections(cfg)
	if err != nil {
		return err
	}
	return writeSections(path, sections)
}

func writeSections(path string, sections map[string]json.RawMessage) error {
	raw, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("writeSections: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "    "); err != nil {
		return fmt.Errorf("writeSections: %w", err)
	}
	out.WriteByte('\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writeSections: error creating config dir: %w", err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writeSections: error writing config: %w", err)
	}

	syslog.L.Warn().WithMessage("please configure/review config before running again").WithField("path", path).Write()
	return nil
}

// Validate checks field constraints and the references between sections.
func Validate(cfg *types.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var problems []string
	for name, uploader := range cfg.Uploader {
		remote, ok := cfg.Remotes[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("uploader %q has no matching remote", name))
			continue
		}
		if remote.UploadFolder == "" || remote.UploadRemote == "" {
			problems = append(problems, fmt.Sprintf("remote %q needs upload_folder and upload_remote", name))
		}
		if uploader.Schedule.Enabled {
			if _, err := ParseClock(uploader.Schedule.AllowedFrom); err != nil {
				problems = append(problems, fmt.Sprintf("uploader %q: %v", name, err))
			}
			if _, err := ParseClock(uploader.Schedule.AllowedUntil); err != nil {
				problems = append(problems, fmt.Sprintf("uploader %q: %v", name, err))
			}
		}
	}

	for name, remote := range cfg.Remotes {
		if remote.RcloneCommand != "" && !slices.Contains([]string{"move", "copy", "sync"}, remote.RcloneCommand) {
			problems = append(problems, fmt.Sprintf("remote %q has unsupported rclone_command %q", name, remote.RcloneCommand))
		}
	}

	for name, syncer := range cfg.Syncer {
		for _, ref := range []string{syncer.SyncFrom, syncer.SyncTo} {
			if _, ok := cfg.Remotes[ref]; !ok {
				problems = append(problems, fmt.Sprintf("syncer %q references unknown remote %q", name, ref))
			}
		}
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
