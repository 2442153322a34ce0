package rclone

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/spf13/cast"
)

const deleteUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_14_4) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/74.0.3729.131 Safari/537.36"

var schemePrefix = regexp.MustCompile(`^https?://(www\.)?`)

// Builder renders rclone argument vectors. Nothing here touches the shell, so values are
// never quoted.
type Builder struct {
	Binary     string
	ConfigPath string
	RCAddr     string
	DryRun     bool
}

// NewBuilder wires the --rc flags only when playback throttling is enabled.
func NewBuilder(core types.Core, plex types.Plex) Builder {
	b := Builder{
		Binary:     core.RcloneBinaryPath,
		ConfigPath: core.RcloneConfigPath,
		DryRun:     core.DryRun,
	}
	if b.Binary == "" {
		b.Binary = "rclone"
	}
	if plex.Enabled {
		b.RCAddr = RCAddr(plex.Rclone.URL)
	}
	return b
}

// RCAddr turns an rc url into the host:port form rclone's --rc-addr expects.
func RCAddr(url string) string {
	addr := schemePrefix.ReplaceAllString(strings.TrimSpace(url), "")
	return strings.Trim(strings.TrimSpace(addr), "/")
}

// UploadCommand is the rclone subcommand used for a remote. sync is never used for
// uploads since it deletes remote files missing locally.
func UploadCommand(remote types.Remote) string {
	command := strings.ToLower(strings.TrimSpace(remote.RcloneCommand))
	if command == "" || command == "sync" {
		return "move"
	}
	return command
}

// Upload moves a remote's upload folder to its upload remote.
func (b Builder) Upload(remote types.Remote, serviceAccount string, extraExcludes []string) []string {
	argv := []string{
		b.Binary,
		UploadCommand(remote),
		remote.UploadFolder,
		remote.UploadRemote,
		"--config=" + b.ConfigPath,
	}
	if serviceAccount != "" {
		argv = append(argv, "--drive-service-account-file="+serviceAccount)
	}
	argv = append(argv, Extras(remote.RcloneExtras)...)
	argv = append(argv, Excludes(remote.RcloneExcludes)...)
	argv = append(argv, Excludes(extraExcludes)...)
	return b.finish(argv, true)
}

// Move is the remote to remote transfer run by the mover after an upload.
func (b Builder) Move(mover types.Mover) []string {
	argv := []string{
		b.Binary,
		"move",
		mover.MoveFromRemote,
		mover.MoveToRemote,
		"--config=" + b.ConfigPath,
	}
	argv = append(argv, Extras(mover.RcloneExtras)...)
	argv = append(argv, Excludes(mover.RcloneExcludes)...)
	return b.finish(argv, true)
}

func (b Builder) Delete(path string) []string {
	return b.finish([]string{b.Binary, "delete", path, "--config=" + b.ConfigPath, "--user-agent=" + deleteUserAgent}, false)
}

func (b Builder) Rmdir(path string) []string {
	return b.finish([]string{b.Binary, "rmdir", path, "--config=" + b.ConfigPath, "--user-agent=" + deleteUserAgent}, false)
}

func (b Builder) finish(argv []string, rc bool) []string {
	if rc && b.RCAddr != "" {
		argv = append(argv, "--rc", "--rc-addr="+b.RCAddr)
	}
	if b.DryRun {
		argv = append(argv, "--dry-run")
	}
	return argv
}

// SyncArgs are the rclone arguments of a remote to remote sync, without the binary or
// --config which depend on where the sync runs.
func SyncArgs(from, to types.Remote, extras map[string]any, useCopy, dryRun bool) []string {
	op := "sync"
	if useCopy {
		op = "copy"
	}
	argv := []string{op, from.SyncRemote, to.SyncRemote}
	argv = append(argv, Extras(extras)...)
	if dryRun {
		argv = append(argv, "--dry-run")
	}
	return argv
}

// Extras renders flag/value pairs in key order. A nil value yields the bare flag.
func Extras(extras map[string]any) []string {
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := extras[k]
		if v == nil {
			out = append(out, k)
			continue
		}
		out = append(out, k+"="+cast.ToString(v))
	}
	return out
}

// Excludes renders --exclude flags. Absolute paths are glob escaped so rclone matches
// them literally.
func Excludes(excludes []string) []string {
	out := make([]string, 0, len(excludes))
	for _, exclude := range excludes {
		if exclude == "" {
			continue
		}
		if strings.HasPrefix(exclude, string(filepath.Separator)) {
			exclude = EscapeGlob(exclude)
		}
		out = append(out, "--exclude="+exclude)
	}
	return out
}

// EscapeGlob wraps glob metacharacters in brackets.
func EscapeGlob(path string) string {
	var sb strings.Builder
	for _, r := range path {
		switch r {
		case '*', '?', '[':
			sb.WriteByte('[')
			sb.WriteRune(r)
			sb.WriteByte(']')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
