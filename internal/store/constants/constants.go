package constants

import (
	"os"
	"path/filepath"
	"time"
)

const (
	AppName = "cloudplow"

	UploaderBansNamespace = "uploader_bans"
	SyncerBansNamespace   = "syncer_bans"
	AccountBansNamespace  = "sa_bans"

	UploadLock = "upload"
	SyncLock   = "sync"
	HiddenLock = "hidden"

	// rclone exits with 7 when --max-transfer is hit.
	MaxTransferExitCode = 7
	MaxTransferTrigger  = "max transfer reached signal"
	MaxTransferDelay    = 25 * time.Hour

	HiddenSuffix        = "_HIDDEN~"
	HiddenDeleteWorkers = 16

	RCTimeout            = 15 * time.Second
	RCStartupDelay       = 15 * time.Second
	DefaultRCURL         = "http://localhost:7949"
	DefaultPlexPollEvery = 30 * time.Second

	RemoteRcloneConfig = "/root/.config/rclone/rclone.conf"

	InstanceReadyAttempts = 30
	InstanceReadyDelay    = 10 * time.Second

	LogMaxSizeMB  = 5
	LogMaxBackups = 5
)

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

var (
	BasePath        = executableDir()
	DefaultConfig   = filepath.Join(BasePath, "config.json")
	DefaultLogFile  = filepath.Join(BasePath, "cloudplow.log")
	DefaultCache    = filepath.Join(BasePath, "cache.db")
	DefaultLocksDir = filepath.Join(BasePath, "locks")
)
