package downloader

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Nzbget drives the NZBGet XML-RPC api.
type Nzbget struct {
	url    string
	client *resty.Client
}

func NewNzbget(url string) *Nzbget {
	return &Nzbget{url: url, client: newClient(url)}
}

func (n *Nzbget) Name() string { return "nzbget" }

type methodResponse struct {
	Params []struct {
		Value struct {
			Boolean *int `xml:"boolean"`
		} `xml:"value"`
	} `xml:"params>param"`
	Fault *struct {
		Value string `xml:",innerxml"`
	} `xml:"fault"`
}

// call invokes a parameterless method that returns a boolean.
func (n *Nzbget) call(ctx context.Context, method string) (bool, error) {
	body := fmt.Sprintf(`<?xml version="1.0"?><methodCall><methodName>%s</methodName><params></params></methodCall>`, method)

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/xml").
		SetBody(body).
		Post("/xmlrpc")
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode())
	}

	var out methodResponse
	if err := xml.Unmarshal(resp.Body(), &out); err != nil {
		return false, fmt.Errorf("%s: error decoding response: %w", method, err)
	}
	if out.Fault != nil {
		return false, fmt.Errorf("%s: fault returned", method)
	}
	if len(out.Params) == 0 || out.Params[0].Value.Boolean == nil {
		return false, fmt.Errorf("%s: no boolean in response", method)
	}
	return *out.Params[0].Value.Boolean == 1, nil
}

func (n *Nzbget) Pause(ctx context.Context) bool {
	ok, err := n.call(ctx, "pausedownload")
	if err != nil {
		syslog.L.Error(err).WithMessage("exception pausing nzbget queue").Write()
	}
	return ok
}

func (n *Nzbget) Resume(ctx context.Context) bool {
	ok, err := n.call(ctx, "resumedownload")
	if err != nil {
		syslog.L.Error(err).WithMessage("exception resuming nzbget queue").Write()
	}
	return ok
}
