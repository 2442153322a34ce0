package downloader

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

const requestTimeout = 15 * time.Second

// Pauser is a download client whose queue is paused while an upload runs.
type Pauser interface {
	Name() string
	Pause(ctx context.Context) bool
	Resume(ctx context.Context) bool
}

func newClient(url string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(url, "/")).
		SetTimeout(requestTimeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
}

// FromConfig returns the enabled download clients.
func FromConfig(nzbget types.Nzbget, sabnzbd types.Sabnzbd) []Pauser {
	var pausers []Pauser
	if nzbget.Enabled {
		pausers = append(pausers, NewNzbget(nzbget.URL))
	}
	if sabnzbd.Enabled {
		pausers = append(pausers, NewSabnzbd(sabnzbd.URL, sabnzbd.APIKey))
	}
	return pausers
}

// PauseAll pauses every client and returns the ones that were paused.
func PauseAll(ctx context.Context, pausers []Pauser) []Pauser {
	var paused []Pauser
	for _, p := range pausers {
		if p.Pause(ctx) {
			syslog.L.Info().WithMessage("paused the download queue, upload commencing!").WithField("client", p.Name()).Write()
			paused = append(paused, p)
		} else {
			syslog.L.Warn().WithMessage("failed to pause the download queue, upload commencing anyway...").WithField("client", p.Name()).Write()
		}
	}
	return paused
}

// ResumeAll resumes the clients paused by PauseAll.
func ResumeAll(ctx context.Context, paused []Pauser) {
	for _, p := range paused {
		if p.Resume(ctx) {
			syslog.L.Info().WithMessage("resumed the download queue!").WithField("client", p.Name()).Write()
		} else {
			syslog.L.Warn().WithMessage("failed to resume the download queue").WithField("client", p.Name()).Write()
		}
	}
}
