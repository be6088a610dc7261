// Package channel defines the capability set consumed from the external
// messaging automation client, and the drivers that speak to it.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType is the kind of event raised by a channel
type EventType string

const (
	EventChallenge     EventType = "challenge"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventConflict      EventType = "conflict"
	EventMessage       EventType = "message"
	EventAuthFailure   EventType = "auth_failure"
	EventStateChanged  EventType = "state"
)

// Client states that mean another party took over the identity
const (
	StateConflict   = "CONFLICT"
	StateUnlaunched = "UNLAUNCHED"
	StateConnected  = "CONNECTED"
)

// Event is raised by a channel in the order the external client produced it
type Event struct {
	Type      EventType        `json:"type"`
	Challenge string           `json:"challenge,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	State     string           `json:"state,omitempty"`
	Message   *IncomingMessage `json:"message,omitempty"`
}

// IncomingMessage is a message received by the tenant's identity
type IncomingMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	Timestamp int64  `json:"timestamp"` // seconds
}

// Media is a binary attachment
type Media struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// Content is an outbound payload: text, media with an optional caption, or
// a pre-approved template
type Content struct {
	Text     string    `json:"text,omitempty"`
	Media    *Media    `json:"media,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	Template *Template `json:"template,omitempty"`
}

// IsMedia reports whether the payload carries an attachment
func (c Content) IsMedia() bool {
	return c.Media != nil
}

// IsTemplate reports whether the payload is a template message
func (c Content) IsTemplate() bool {
	return c.Template != nil
}

// TemplatePolicy is the language fallback policy sent with every template
const TemplatePolicy = "deterministic"

// Template names a pre-approved message template and its parameters.
// Components are passed to the client untouched.
type Template struct {
	Name       string            `json:"name"`
	Language   TemplateLanguage  `json:"language"`
	Components []json.RawMessage `json:"components"`
}

// TemplateLanguage selects the template translation
type TemplateLanguage struct {
	Code   string `json:"code"`
	Policy string `json:"policy"`
}

// NewTemplate builds a template payload with the deterministic language policy
func NewTemplate(name, language string, components []json.RawMessage) *Template {
	if components == nil {
		components = []json.RawMessage{}
	}
	return &Template{
		Name:       name,
		Language:   TemplateLanguage{Code: language, Policy: TemplatePolicy},
		Components: components,
	}
}

// SendResult is what the channel reports for a delivered payload
type SendResult struct {
	MessageID string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is a chat as listed by the channel
type Conversation struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt int64  `json:"lastMessageAt"`
}

// Channel is one live handle to the external client for one tenant.
// A handle is never reused after Destroy.
type Channel interface {
	// Initialize starts the client. Progress is reported through Events.
	Initialize(ctx context.Context) error
	Events() <-chan Event
	SendPayload(ctx context.Context, address string, content Content) (*SendResult, error)
	IsRegistered(ctx context.Context, address string) (bool, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	// FetchMessages returns up to limit of the conversation's most recent messages
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]IncomingMessage, error)
	DownloadMedia(ctx context.Context, messageID string) (*Media, error)
	IsConnected() bool
	Destroy(ctx context.Context) error
}

// Options configure a new handle
type Options struct {
	TenantID string
	WorkDir  string
}

// Factory constructs a new, not yet initialized handle
type Factory func(opts Options) (Channel, error)

// DriverConfig selects and configures a driver
type DriverConfig struct {
	Driver    string // "subprocess" or "bridge"
	Command   string
	Args      []string
	BridgeURL string
}

// NewFactory returns the factory for the configured driver
func NewFactory(cfg DriverConfig) (Factory, error) {
	switch cfg.Driver {
	case "", "subprocess":
		return func(opts Options) (Channel, error) {
			return NewSubprocess(cfg.Command, cfg.Args, opts), nil
		}, nil
	case "bridge":
		if cfg.BridgeURL == "" {
			return nil, fmt.Errorf("bridge driver requires a bridge URL")
		}
		return func(opts Options) (Channel, error) {
			return NewBridge(cfg.BridgeURL, opts), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.Driver)
	}
}
