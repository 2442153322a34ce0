package plex

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionsJSON = `{
  "MediaContainer": {
    "size": 3,
    "Metadata": [
      {
        "type": "episode", "title": "Pilot", "grandparentTitle": "Some Show", "parentIndex": 1, "index": 2,
        "User": {"title": "alice"},
        "Player": {"product": "Plex Web", "remotePublicAddress": "1.2.3.4", "state": "playing", "local": false},
        "Session": {"id": "abc"},
        "Media": [{"Part": [{"decision": "transcode"}]}],
        "TranscodeSession": {"videoDecision": "transcode", "audioDecision": "copy"}
      },
      {
        "type": "movie", "title": "A Movie",
        "User": {"title": "bob"},
        "Player": {"product": "Plex HTPC", "remotePublicAddress": "10.0.0.2", "state": "buffering", "local": true},
        "Media": [{"Part": [{}]}, {"Part": [{"decision": "directplay"}]}]
      },
      {
        "type": "movie", "title": "Paused Movie",
        "Player": {"product": "Roku", "state": "paused", "local": false}
      }
    ]
  }
}`

func newMockClient(t *testing.T) *Client {
	t.Helper()
	c := New("http://plex.test:32400/", "secret")
	httpmock.ActivateNonDefault(c.client.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func jsonResponder(status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("X-Plex-Token") != "secret" {
			return httpmock.NewStringResponse(401, "unauthorized"), nil
		}
		resp := httpmock.NewStringResponse(status, body)
		resp.Header.Set("Content-Type", "application/json")
		return resp, nil
	}
}

func TestStreams(t *testing.T) {
	c := newMockClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://plex.test:32400/status/sessions", jsonResponder(200, sessionsJSON))

	require.True(t, c.Validate(t.Context()))

	streams, err := c.Streams(t.Context())
	require.NoError(t, err)
	require.Len(t, streams, 3)

	assert.Equal(t, "alice", streams[0].User)
	assert.Equal(t, "Some Show 1x2", streams[0].Title)
	assert.Equal(t, "transcode", streams[0].Type)
	assert.Equal(t, "alice is playing Some Show 1x2 using Plex Web. Stream state: playing, local: false, type: transcode (video).", streams[0].String())

	assert.Equal(t, "directplay", streams[1].Type)
	assert.True(t, streams[1].IsLocal())

	assert.Equal(t, "Unknown", streams[2].User)
	assert.Equal(t, "Unknown", streams[2].SessionID)

	assert.Equal(t, 2, CountActive(streams, false))
	assert.Equal(t, 1, CountActive(streams, true))
}

func TestStreamsEmpty(t *testing.T) {
	c := newMockClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://plex.test:32400/status/sessions", jsonResponder(200, `{"MediaContainer": {"size": 0}}`))

	streams, err := c.Streams(t.Context())
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestStreamsFailure(t *testing.T) {
	c := newMockClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://plex.test:32400/status/sessions", httpmock.NewStringResponder(401, "unauthorized"))

	assert.False(t, c.Validate(t.Context()))
	_, err := c.Streams(t.Context())
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}
