package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/slack-go/slack"
)

const configDir = ".config/autosteer"
const vapidFile = "vapid.json"

// Event kinds.
const (
	// EventSessionExited is published when a session's process finishes.
	EventSessionExited = "session_exited"

	// EventMemoryPressure is published when buffer memory crosses the
	// monitor's soft limit.
	EventMemoryPressure = "memory_pressure"
)

// Event is one notification fanned out to every configured sink.
type Event struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	Name      string `json:"name,omitempty"`
	ExitCode  int    `json:"exitCode,omitempty"`
	Usage     int64  `json:"usage,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

// Message renders the event for plain-text sinks.
func (e Event) Message() string {
	switch e.Kind {
	case EventSessionExited:
		name := e.Name
		if name == "" {
			name = e.SessionID
		}
		return fmt.Sprintf("Session %q exited with code %d", name, e.ExitCode)
	case EventMemoryPressure:
		return fmt.Sprintf("Buffer memory at %d MiB, over the %d MiB soft limit",
			e.Usage>>20, e.Limit>>20)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.SessionID)
	}
}

// Manager delivers events to browser push subscriptions and an
// optional Slack webhook.
type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription
	slackWebhook  string
}

type Config struct {
	// Dir holds the VAPID key file; ~/.config/autosteer when empty.
	Dir string

	// SlackWebhook is an incoming-webhook URL; Slack delivery is off
	// when empty.
	SlackWebhook string

	Logger *slog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		logger:        cfg.Logger,
		subscriptions: make([]*webpush.Subscription, 0),
		slackWebhook:  cfg.SlackWebhook,
	}
	if err := m.loadOrGenerateVAPID(cfg.Dir); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

func (m *Manager) Subscribe(sub *webpush.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// dedupe by endpoint
	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	ep := sub.Endpoint
	if len(ep) > 50 {
		ep = ep[:50] + "..."
	}
	m.logger.Info("push subscription added", "endpoint", ep)
}

func (m *Manager) Unsubscribe(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return
		}
	}
}

func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Publish fans the event out to every sink. Delivery failures are
// logged and never propagate.
func (m *Manager) Publish(ev Event) {
	if payload, err := json.Marshal(ev); err == nil {
		m.sendPush(payload)
	}
	m.sendSlack(ev)
}

func (m *Manager) sendPush(payload []byte) {
	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			VAPIDPublicKey:  m.vapidPublic,
			VAPIDPrivateKey: m.vapidPrivate,
			Subscriber:      "mailto:autosteer@localhost",
		})
		if err != nil {
			m.logger.Debug("push send failed", "err", err)
			continue
		}
		resp.Body.Close()
	}
}

func (m *Manager) sendSlack(ev Event) {
	m.mu.Lock()
	url := m.slackWebhook
	m.mu.Unlock()
	if url == "" {
		return
	}

	if err := slack.PostWebhook(url, &slack.WebhookMessage{Text: ev.Message()}); err != nil {
		m.logger.Debug("slack post failed", "err", err)
	}
}

func (m *Manager) loadOrGenerateVAPID(dir string) error {
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, configDir)
	}
	path := filepath.Join(dir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			m.logger.Info("loaded VAPID keys")
			return nil
		}
	}

	// generate new keys
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate VAPID key: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), privKey.PublicKey.X, privKey.PublicKey.Y)

	m.vapidPrivate = base64.RawURLEncoding.EncodeToString(privBytes)
	m.vapidPublic = base64.RawURLEncoding.EncodeToString(pubBytes)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	keys := vapidKeys{
		PrivateKey: m.vapidPrivate,
		PublicKey:  m.vapidPublic,
	}
	data, _ = json.MarshalIndent(keys, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save VAPID keys: %w", err)
	}

	m.logger.Info("generated new VAPID keys")
	return nil
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}
