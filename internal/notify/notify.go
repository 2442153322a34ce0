package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

const (
	defaultTitle = "Cloudplow"
	sendTimeout  = 10 * time.Second
	pushoverURL  = "https://api.pushover.net/1/messages.json"
)

var ErrUnknownService = errors.New("unknown notification service")

// Notifier delivers operator messages. Delivery failures are logged, never returned.
type Notifier interface {
	Send(ctx context.Context, message string)
}

// Agent is one configured notification target.
type Agent interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// Manager fans a message out to every agent.
type Manager struct {
	client *resty.Client
	agents []Agent
}

// New builds one agent per entry of the notifications section.
func New(cfg map[string]types.Notification) (*Manager, error) {
	client := resty.New().SetTimeout(sendTimeout)

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	slices.Sort(names)

	m := &Manager{client: client}
	for _, name := range names {
		agent, err := newAgent(client, name, cfg[name])
		if err != nil {
			return nil, fmt.Errorf("New: notification %s: %w", name, err)
		}
		m.agents = append(m.agents, agent)
		syslog.L.Debug().WithMessage("initialized notification agent").WithField("agent", name).Write()
	}
	return m, nil
}

func newAgent(client *resty.Client, name string, cfg types.Notification) (Agent, error) {
	title := cfg.Title
	if title == "" {
		title = defaultTitle
	}

	switch strings.ToLower(cfg.Service) {
	case "pushover":
		return &pushover{name: name, client: client, appToken: cfg.AppToken, userToken: cfg.UserToken, priority: cfg.Priority}, nil
	case "slack":
		return &slack{name: name, client: client, webhookURL: cfg.URL, channel: cfg.Channel, sender: cfg.Sender}, nil
	case "apprise":
		return &apprise{name: name, client: client, url: cfg.URL, title: title}, nil
	case "webhook":
		return &webhook{name: name, client: client, url: cfg.URL, title: title}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, cfg.Service)
	}
}

func (m *Manager) Agents() []Agent { return m.agents }

func (m *Manager) Send(ctx context.Context, message string) {
	for _, agent := range m.agents {
		if err := agent.Send(ctx, message); err != nil {
			syslog.L.Error(err).WithMessage("error sending notification").WithField("agent", agent.Name()).Write()
		}
	}
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

type pushover struct {
	name      string
	client    *resty.Client
	appToken  string
	userToken string
	priority  int
}

func (p *pushover) Name() string { return p.name }

func (p *pushover) Send(ctx context.Context, message string) error {
	form := map[string]string{
		"token":   p.appToken,
		"user":    p.userToken,
		"message": message,
	}
	if p.priority != 0 {
		form["priority"] = fmt.Sprint(p.priority)
	}
	return checkResponse(p.client.R().SetContext(ctx).SetFormData(form).Post(pushoverURL))
}

type slack struct {
	name       string
	client     *resty.Client
	webhookURL string
	channel    string
	sender     string
}

func (s *slack) Name() string { return s.name }

func (s *slack) Send(ctx context.Context, message string) error {
	payload := map[string]string{"text": message}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	if s.sender != "" {
		payload["username"] = s.sender
	}
	return checkResponse(s.client.R().SetContext(ctx).SetBody(payload).Post(s.webhookURL))
}

// apprise posts to an apprise-api notify endpoint.
type apprise struct {
	name   string
	client *resty.Client
	url    string
	title  string
}

func (a *apprise) Name() string { return a.name }

func (a *apprise) Send(ctx context.Context, message string) error {
	if a.url == "" {
		return errors.New("apprise url is not set")
	}
	payload := map[string]string{"title": a.title, "body": message}
	return checkResponse(a.client.R().SetContext(ctx).SetBody(payload).Post(a.url))
}

type webhook struct {
	name   string
	client *resty.Client
	url    string
	title  string
}

func (w *webhook) Name() string { return w.name }

func (w *webhook) Send(ctx context.Context, message string) error {
	payload := map[string]string{"title": w.title, "message": message}
	return checkResponse(w.client.R().SetContext(ctx).SetBody(payload).Post(w.url))
}

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, string) {}
