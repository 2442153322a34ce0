package rclone

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// RC talks to the remote control endpoint of a running rclone.
type RC struct {
	url    string
	client *resty.Client
}

type bwlimitResponse struct {
	Rate  string `json:"rate"`
	Error string `json:"error"`
}

type statsResponse struct {
	Transferring []struct {
		Name  string  `json:"name"`
		Speed float64 `json:"speed"`
	} `json:"transferring"`
}

func NewRC(url string) *RC {
	client := resty.New().
		SetBaseURL(strings.TrimRight(url, "/")).
		SetTimeout(constants.RCTimeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})

	return &RC{url: url, client: client}
}

func (r *RC) URL() string { return r.url }

// Validate calls rc/noop and checks the echoed payload.
func (r *RC) Validate(ctx context.Context) bool {
	var out struct {
		Validated bool `json:"validated"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(map[string]bool{"validated": true}).
		SetResult(&out).
		Post("/rc/noop")
	if err != nil {
		syslog.L.Error(err).WithMessage("exception validating rc url").WithField("url", r.url).Write()
		return false
	}
	return resp.IsSuccess() && out.Validated
}

func (r *RC) setRate(ctx context.Context, rate string) bool {
	var out bwlimitResponse
	resp, err := r.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(map[string]string{"rate": rate}).
		SetResult(&out).
		SetError(&out).
		Post("/core/bwlimit")
	if err != nil {
		syslog.L.Error(err).WithMessage("exception sending bwlimit request").WithField("url", r.url).Write()
		return false
	}
	if out.Error != "" || resp.IsError() {
		syslog.L.Error(nil).WithMessage("failed to set bwlimit").
			WithFields(map[string]any{"url": r.url, "rate": rate, "error": out.Error, "status": resp.StatusCode()}).
			Write()
		return false
	}
	return out.Rate == rate
}

// Throttle limits rclone to speed, e.g. "50M".
func (r *RC) Throttle(ctx context.Context, speed string) bool {
	if !r.setRate(ctx, speed) {
		return false
	}
	syslog.L.Warn().WithMessage("successfully throttled rclone").WithField("speed", speed).Write()
	return true
}

func (r *RC) NoThrottle(ctx context.Context) bool {
	if !r.setRate(ctx, "off") {
		return false
	}
	syslog.L.Warn().WithMessage("successfully un-throttled rclone").Write()
	return true
}

// ThrottleActive reports whether the combined transfer speed is within 10 MB/s of speed.
// It is false when nothing is transferring.
func (r *RC) ThrottleActive(ctx context.Context, speed string) bool {
	limit, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToUpper(speed), "M"), 64)
	if err != nil {
		return false
	}

	var out statsResponse
	_, err = r.client.R().SetContext(ctx).ForceContentType("application/json").SetResult(&out).Post("/core/stats")
	if err != nil {
		syslog.L.Error(err).WithMessage("exception checking if throttle currently active").Write()
		return false
	}
	if len(out.Transferring) == 0 {
		return false
	}

	var current float64
	for _, transfer := range out.Transferring {
		current += transfer.Speed
	}
	return current/1_000_000-10 <= limit
}
