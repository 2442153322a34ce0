package plex

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

const requestTimeout = 15 * time.Second

var ErrUnexpectedResponse = errors.New("unexpected response from plex")

// Client reads playback sessions from a Plex Media Server.
type Client struct {
	url    string
	client *resty.Client
}

func New(url, token string) *Client {
	hostname, _ := os.Hostname()

	client := resty.New().
		SetBaseURL(strings.TrimRight(url, "/")).
		SetTimeout(requestTimeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}).
		SetHeaders(map[string]string{
			"X-Plex-Token":             token,
			"Accept":                   "application/json",
			"X-Plex-Provides":          "controller",
			"X-Plex-Platform":          runtime.GOOS,
			"X-Plex-Product":           "cloudplow",
			"X-Plex-Device":            runtime.GOOS + "/" + runtime.GOARCH,
			"X-Plex-Client-Identifier": "cloudplow-" + hostname,
		})

	return &Client{url: url, client: client}
}

type sessionsResponse struct {
	MediaContainer *struct {
		Video    []session `json:"Video"`
		Metadata []session `json:"Metadata"`
	} `json:"MediaContainer"`
}

type session struct {
	Type             string `json:"type"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	ParentIndex      int    `json:"parentIndex"`
	Index            int    `json:"index"`
	User             *struct {
		Title string `json:"title"`
	} `json:"User"`
	Player *struct {
		Product             string `json:"product"`
		RemotePublicAddress string `json:"remotePublicAddress"`
		State               string `json:"state"`
		Local               *bool  `json:"local"`
	} `json:"Player"`
	Session *struct {
		ID string `json:"id"`
	} `json:"Session"`
	Media []struct {
		Part []struct {
			Decision string `json:"decision"`
		} `json:"Part"`
	} `json:"Media"`
	TranscodeSession *struct {
		VideoDecision string `json:"videoDecision"`
		AudioDecision string `json:"audioDecision"`
	} `json:"TranscodeSession"`
}

func (c *Client) sessions(ctx context.Context) (*sessionsResponse, error) {
	var out sessionsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/status/sessions")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 || !strings.HasPrefix(resp.Header().Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode())
	}
	return &out, nil
}

// Validate checks the url and token by fetching the session list.
func (c *Client) Validate(ctx context.Context) bool {
	if _, err := c.sessions(ctx); err != nil {
		syslog.L.Error(err).WithMessage("failed validating plex server").WithField("url", c.url).Write()
		return false
	}
	return true
}

// Streams returns the active sessions. An error means the server could not be queried.
func (c *Client) Streams(ctx context.Context) ([]Stream, error) {
	out, err := c.sessions(ctx)
	if err != nil {
		return nil, err
	}
	if out.MediaContainer == nil {
		return nil, fmt.Errorf("%w: no MediaContainer", ErrUnexpectedResponse)
	}

	sessions := out.MediaContainer.Video
	if sessions == nil {
		sessions = out.MediaContainer.Metadata
	}

	streams := make([]Stream, 0, len(sessions))
	for _, s := range sessions {
		streams = append(streams, newStream(s))
	}
	return streams, nil
}
