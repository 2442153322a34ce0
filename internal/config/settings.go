package config

import (
	"fmt"

	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings locate the files the daemon works with. Flags win over CLOUDPLOW_* environment
// variables, which win over the defaults next to the executable.
type Settings struct {
	Config    string
	LogFile   string
	LogLevel  string
	CacheFile string
	LocksDir  string
	Syslog    bool
}

var settingDefaults = map[string]any{
	"config":    constants.DefaultConfig,
	"logfile":   constants.DefaultLogFile,
	"loglevel":  "INFO",
	"cachefile": constants.DefaultCache,
	"lockdir":   constants.DefaultLocksDir,
	"syslog":    false,
}

// RegisterFlags adds the settings flags to a command's persistent flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file")
	flags.String("logfile", "", "Log file")
	flags.String("loglevel", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("cachefile", "", "Suspension database file")
	flags.String("lockdir", "", "Directory holding the run locks")
	flags.Bool("syslog", false, "Also log to the system syslog")
}

// LoadSettings resolves every setting from flags, environment and defaults.
func LoadSettings(flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("CLOUDPLOW")
	v.AutomaticEnv()

	for key, def := range settingDefaults {
		v.SetDefault(key, def)
		if flag := flags.Lookup(key); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return Settings{}, fmt.Errorf("LoadSettings: error binding flag %s: %w", key, err)
			}
		}
	}

	return Settings{
		Config:    v.GetString("config"),
		LogFile:   v.GetString("logfile"),
		LogLevel:  v.GetString("loglevel"),
		CacheFile: v.GetString("cachefile"),
		LocksDir:  v.GetString("lockdir"),
		Syslog:    v.GetBool("syslog"),
	}, nil
}
