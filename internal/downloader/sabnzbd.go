package downloader

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Sabnzbd drives the SABnzbd http api.
type Sabnzbd struct {
	apiKey string
	client *resty.Client
}

func NewSabnzbd(url, apiKey string) *Sabnzbd {
	return &Sabnzbd{apiKey: apiKey, client: newClient(url)}
}

func (s *Sabnzbd) Name() string { return "sabnzbd" }

func (s *Sabnzbd) request(ctx context.Context, mode string) bool {
	var out struct {
		Status bool   `json:"status"`
		Error  string `json:"error"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"mode":   mode,
			"apikey": s.apiKey,
			"output": "json",
		}).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/api")
	if err != nil {
		syslog.L.Error(err).WithMessage("sabnzbd request failed").WithField("mode", mode).Write()
		return false
	}
	if resp.IsError() || out.Error != "" {
		syslog.L.Error(nil).WithMessage("sabnzbd request failed").
			WithFields(map[string]any{"mode": mode, "status": resp.StatusCode(), "error": out.Error}).
			Write()
		return false
	}
	return out.Status
}

func (s *Sabnzbd) Pause(ctx context.Context) bool { return s.request(ctx, "pause") }

func (s *Sabnzbd) Resume(ctx context.Context) bool { return s.request(ctx, "resume") }
