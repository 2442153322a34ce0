package plex

import (
	"fmt"
	"strings"
)

const unknown = "Unknown"

// Stream is one playback session.
type Stream struct {
	User          string
	Player        string
	IP            string
	State         string
	Local         *bool
	SessionID     string
	Type          string
	VideoDecision string
	AudioDecision string
	Title         string
}

func newStream(s session) Stream {
	st := Stream{
		User:      unknown,
		Player:    unknown,
		IP:        unknown,
		State:     unknown,
		SessionID: unknown,
		Type:      unknown,
		Title:     unknown,
	}

	if s.User != nil {
		st.User = s.User.Title
	}
	if s.Player != nil {
		st.Player = s.Player.Product
		st.IP = s.Player.RemotePublicAddress
		st.State = s.Player.State
		st.Local = s.Player.Local
	}
	if s.Session != nil {
		st.SessionID = s.Session.ID
	}

media:
	for _, m := range s.Media {
		for _, p := range m.Part {
			if p.Decision != "" {
				st.Type = p.Decision
				break media
			}
		}
	}

	if st.Type == "transcode" {
		st.VideoDecision, st.AudioDecision = unknown, unknown
		if s.TranscodeSession != nil {
			st.VideoDecision = s.TranscodeSession.VideoDecision
			st.AudioDecision = s.TranscodeSession.AudioDecision
		}
	} else {
		st.VideoDecision, st.AudioDecision = "directplay", "directplay"
	}

	if s.Title != "" && s.Type != "" {
		if s.Type == "episode" {
			st.Title = fmt.Sprintf("%s %dx%d", s.GrandparentTitle, s.ParentIndex, s.Index)
		} else {
			st.Title = s.Title
		}
	}

	return st
}

// Active is true while the stream is playing or buffering.
func (s Stream) Active() bool {
	return s.State == "playing" || s.State == "buffering"
}

func (s Stream) IsLocal() bool {
	return s.Local != nil && *s.Local
}

func (s Stream) String() string {
	kind := s.Type
	if s.Type == "transcode" {
		var parts []string
		if s.VideoDecision == "transcode" {
			parts = append(parts, "video")
		}
		if s.AudioDecision == "transcode" {
			parts = append(parts, "audio")
		}
		kind = fmt.Sprintf("transcode (%s)", strings.Join(parts, " & "))
	}

	local := "None"
	if s.Local != nil {
		local = fmt.Sprint(*s.Local)
	}

	return fmt.Sprintf("%s is playing %s using %s. Stream state: %s, local: %s, type: %s.",
		s.User, s.Title, s.Player, s.State, local, kind)
}

// CountActive counts playing or buffering streams, leaving out local ones when ignoreLocal.
func CountActive(streams []Stream, ignoreLocal bool) int {
	count := 0
	for _, s := range streams {
		if !s.Active() {
			continue
		}
		if ignoreLocal && s.IsLocal() {
			continue
		}
		count++
	}
	return count
}
