package hooks

import (
	"time"

	"github.com/traylinx/webrelay/internal/engine"
)

// HookEvent defines the type of event that can trigger a hook.
type HookEvent string

const (
	EventSessionCreated   HookEvent = "session_created"
	EventSessionRecycled  HookEvent = "session_recycled"
	EventSessionEvicted   HookEvent = "session_evicted"
	EventSessionDestroyed HookEvent = "session_destroyed"
	EventSessionCrashed   HookEvent = "session_crashed"
	EventRequestCompleted HookEvent = "request_completed"
	EventRequestFailed    HookEvent = "request_failed"
	EventProviderBlocked  HookEvent = "provider_blocked"
	EventAuthExpired      HookEvent = "auth_expired"
)

// AllEvents lists every event the engine publishes.
var AllEvents = []HookEvent{
	EventSessionCreated, EventSessionRecycled, EventSessionEvicted, EventSessionDestroyed,
	EventSessionCrashed, EventRequestCompleted, EventRequestFailed, EventProviderBlocked,
	EventAuthExpired,
}

// HookAction defines the action to be performed when a hook is triggered.
type HookAction string

const (
	ActionLogWarning      HookAction = "log_warning"
	ActionNotifyWebhook   HookAction = "notify_webhook"
	ActionRecycleProvider HookAction = "recycle_provider"
)

// Hook represents a single automation rule.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       HookEvent      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      HookAction     `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file (not in YAML)
	FilePath string `yaml:"-" json:"-"`
}

// EventContext provides the environment for hook execution.
type EventContext struct {
	Event         HookEvent      `json:"event"`
	Timestamp     time.Time      `json:"timestamp"`
	Provider      string         `json:"provider,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Error         error          `json:"-"`
	ErrorMessage  string         `json:"error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
}

// NewEvent builds an event context stamped with the current time.
func NewEvent(event HookEvent, provider, sessionID string) *EventContext {
	return &EventContext{
		Event:     event,
		Timestamp: time.Now(),
		Provider:  provider,
		SessionID: sessionID,
		Data:      make(map[string]any),
	}
}

// WithError attaches err and its taxonomy kind.
func (c *EventContext) WithError(err error) *EventContext {
	if err != nil {
		c.Error = err
		c.ErrorMessage = err.Error()
		c.ErrorKind = string(engine.KindOf(err))
	}
	return c
}

// ActionHandler is a function that executes a hook action.
type ActionHandler func(hook *Hook, ctx *EventContext) error
