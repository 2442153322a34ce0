package types

import (
	"time"
)

// Config mirrors config.json.
type Config struct {
	Core          Core                    `json:"core"`
	Hidden        map[string]Hidden       `json:"hidden"`
	Uploader      map[string]Uploader     `json:"uploader" validate:"dive"`
	Remotes       map[string]Remote       `json:"remotes" validate:"dive"`
	Syncer        map[string]Syncer       `json:"syncer" validate:"dive"`
	Notifications map[string]Notification `json:"notifications" validate:"dive"`
	Plex          Plex                    `json:"plex"`
	Nzbget        Nzbget                  `json:"nzbget"`
	Sabnzbd       Sabnzbd                 `json:"sabnzbd"`
}

type Core struct {
	DryRun           bool   `json:"dry_run"`
	RcloneBinaryPath string `json:"rclone_binary_path"`
	RcloneConfigPath string `json:"rclone_config_path" validate:"required"`
}

type Hidden struct {
	HiddenRemotes []string `json:"hidden_remotes"`
}

type Schedule struct {
	Enabled      bool   `json:"enabled"`
	AllowedFrom  string `json:"allowed_from"`
	AllowedUntil string `json:"allowed_until"`
}

type Mover struct {
	Enabled        bool           `json:"enabled"`
	MoveFromRemote string         `json:"move_from_remote"`
	MoveToRemote   string         `json:"move_to_remote"`
	RcloneExtras   map[string]any `json:"rclone_extras"`
	RcloneExcludes []string       `json:"rclone_excludes,omitempty"`
}

type Uploader struct {
	CheckInterval      int      `json:"check_interval" validate:"gt=0"`
	MaxSizeGB          int      `json:"max_size_gb" validate:"gte=0"`
	SizeExcludes       []string `json:"size_excludes"`
	OpenedExcludes     []string `json:"opened_excludes"`
	ExcludeOpenFiles   bool     `json:"exclude_open_files"`
	Schedule           Schedule `json:"schedule"`
	ServiceAccountPath string   `json:"service_account_path,omitempty"`
	CanBeThrottled     *bool    `json:"can_be_throttled,omitempty"`
	Mover              *Mover   `json:"mover,omitempty"`
}

// Throttleable reports whether the playback monitor may slow this uploader down.
func (u Uploader) Throttleable() bool {
	return u.CanBeThrottled == nil || *u.CanBeThrottled
}

// Sleep is one trigger rule: Count matches within Timeout seconds suspend for Sleep hours.
type Sleep struct {
	Count   int     `json:"count" validate:"gt=0"`
	Timeout int     `json:"timeout" validate:"gt=0"`
	Sleep   float64 `json:"sleep" validate:"gt=0"`
}

func (s Sleep) Window() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func (s Sleep) Delay() time.Duration {
	return time.Duration(s.Sleep * float64(time.Hour))
}

type Remote struct {
	UploadFolder        string           `json:"upload_folder"`
	UploadRemote        string           `json:"upload_remote"`
	HiddenRemote        string           `json:"hidden_remote"`
	SyncRemote          string           `json:"sync_remote"`
	RcloneExcludes      []string         `json:"rclone_excludes"`
	RcloneExtras        map[string]any   `json:"rclone_extras"`
	RcloneSleeps        map[string]Sleep `json:"rclone_sleeps" validate:"dive"`
	RemoveEmptyDirDepth int              `json:"remove_empty_dir_depth"`
	RcloneCommand       string           `json:"rclone_command,omitempty"`
}

type Syncer struct {
	Service         string         `json:"service" validate:"required,oneof=local scaleway ssh"`
	ToolPath        string         `json:"tool_path"`
	SyncFrom        string         `json:"sync_from" validate:"required"`
	SyncTo          string         `json:"sync_to" validate:"required"`
	SyncInterval    int            `json:"sync_interval" validate:"gt=0"`
	UseCopy         bool           `json:"use_copy"`
	InstanceDestroy bool           `json:"instance_destroy"`
	RcloneExtras    map[string]any `json:"rclone_extras"`

	// scaleway
	Region       string `json:"region,omitempty"`
	InstanceType string `json:"type,omitempty"`
	Image        string `json:"image,omitempty"`
	InstanceName string `json:"instance_name,omitempty"`

	// ssh
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	User          string `json:"user,omitempty"`
	Password      string `json:"password,omitempty"`
	KeyFile       string `json:"key_file,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
}

// Notification holds one agent. Service selects the agent, the remaining keys are agent specific.
type Notification struct {
	Service   string `json:"service" validate:"required,oneof=pushover slack apprise webhook"`
	AppToken  string `json:"app_token,omitempty"`
	UserToken string `json:"user_token,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	URL       string `json:"url,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Sender    string `json:"sender_name,omitempty"`
	Title     string `json:"title,omitempty"`
}

type PlexRclone struct {
	URL            string            `json:"url"`
	ThrottleSpeeds map[string]string `json:"throttle_speeds"`
}

type Plex struct {
	Enabled                  bool       `json:"enabled"`
	URL                      string     `json:"url"`
	Token                    string     `json:"token"`
	PollInterval             int        `json:"poll_interval"`
	MaxStreamsBeforeThrottle int        `json:"max_streams_before_throttle"`
	IgnoreLocalStreams       bool       `json:"ignore_local_streams"`
	Notifications            bool       `json:"notifications"`
	Rclone                   PlexRclone `json:"rclone"`
}

type Nzbget struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

type Sabnzbd struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	APIKey  string `json:"apikey"`
}
