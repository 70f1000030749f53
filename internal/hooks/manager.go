package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// HookManager loads YAML automation hooks and runs their actions when matching engine
// events are published.
type HookManager struct {
	hooksDir       string
	hooks          map[HookEvent][]*Hook
	disabled       []*Hook
	eventBus       *EventBus
	programs       map[string]*vm.Program
	actionHandlers map[HookAction]ActionHandler
	subs           []*Subscription
	mu             sync.RWMutex

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once
}

// NewHookManager creates a hook manager reading hooksDir. Built-in actions are registered;
// recycle_provider is only available when drainer is non-nil.
func NewHookManager(hooksDir string, eventBus *EventBus, drainer ProviderDrainer) (*HookManager, error) {
	if hooksDir == "" {
		return nil, fmt.Errorf("hooks directory is required")
	}
	if eventBus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	manager := &HookManager{
		hooksDir:       hooksDir,
		hooks:          make(map[HookEvent][]*Hook),
		eventBus:       eventBus,
		programs:       make(map[string]*vm.Program),
		actionHandlers: make(map[HookAction]ActionHandler),
		stopWatcher:    make(chan struct{}),
	}

	RegisterBuiltInActions(manager, drainer)

	return manager, nil
}

// LoadHooks loads all enabled hooks from the hooks directory, replacing the current set.
func (m *HookManager) LoadHooks() error {
	if err := os.MkdirAll(m.hooksDir, 0o755); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	newHooks := make(map[HookEvent][]*Hook)
	var disabled []*Hook
	count := 0
	err := filepath.WalkDir(m.hooksDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("failed to read hook file %s: %v", path, err)
			return nil
		}

		var hook Hook
		if err := yaml.Unmarshal(data, &hook); err != nil {
			log.Errorf("failed to parse hook %s: %v", path, err)
			return nil
		}
		if hook.Event == "" || hook.Action == "" {
			log.Warnf("hook %s has no event or action, skipping", path)
			return nil
		}

		hook.FilePath = path
		if hook.ID == "" {
			hook.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if hook.Enabled {
			newHooks[hook.Event] = append(newHooks[hook.Event], &hook)
			count++
			log.Debugf("loaded hook %s for event %s", hook.Name, hook.Event)
		} else {
			disabled = append(disabled, &hook)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.hooks = newHooks
	m.disabled = disabled
	m.programs = make(map[string]*vm.Program)
	m.mu.Unlock()

	log.Infof("loaded %d hooks for %d event types", count, len(newHooks))
	return nil
}

// SubscribeToAllEvents attaches the manager to every engine event. Hooks are looked up at
// dispatch time, so reloads need no resubscription.
func (m *HookManager) SubscribeToAllEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) > 0 {
		return
	}
	for _, evt := range AllEvents {
		m.subs = append(m.subs, m.eventBus.Subscribe(evt, m.handleEvent))
	}
}

func (m *HookManager) handleEvent(ctx *EventContext) {
	m.mu.RLock()
	hooks := m.hooks[ctx.Event]
	m.mu.RUnlock()

	for _, hook := range hooks {
		matches, err := m.evaluateCondition(hook.Condition, ctx)
		if err != nil {
			log.Warnf("failed to evaluate hook condition '%s': %v", hook.Condition, err)
			continue
		}
		if matches {
			log.Infof("executing hook %s (action: %s)", hook.Name, hook.Action)
			go m.executeAction(hook, ctx)
		}
	}
}

func (m *HookManager) evaluateCondition(condition string, ctx *EventContext) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, exists := m.programs[condition]
	if !exists {
		var err error
		program, err = expr.Compile(condition, expr.AsBool())
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	env := map[string]any{
		"Event":         string(ctx.Event),
		"Timestamp":     ctx.Timestamp,
		"Provider":      ctx.Provider,
		"Session":       ctx.SessionID,
		"CorrelationID": ctx.CorrelationID,
		"Data":          ctx.Data,
		"Error":         ctx.ErrorMessage,
		"ErrorKind":     ctx.ErrorKind,
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean")
	}
	return result, nil
}

func (m *HookManager) executeAction(hook *Hook, ctx *EventContext) {
	m.mu.RLock()
	handler, exists := m.actionHandlers[hook.Action]
	m.mu.RUnlock()

	if !exists {
		log.Warnf("no handler registered for action: %s", hook.Action)
		return
	}
	if err := handler(hook, ctx); err != nil {
		log.Errorf("action %s failed for hook %s: %v", hook.Action, hook.Name, err)
	}
}

// RegisterAction registers a handler for a specific action type.
func (m *HookManager) RegisterAction(action HookAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionHandlers[action] = handler
}

// StartWatcher starts a background fsnotify watcher for hot-reloading hooks.
func (m *HookManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.hooksDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Infof("hooks directory changed (%s), reloading", event.Name)
					time.Sleep(100 * time.Millisecond)
					if err := m.LoadHooks(); err != nil {
						log.Errorf("failed to reload hooks: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("hooks watcher error: %v", err)
			case <-m.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// Stop stops the file watcher and detaches from the event bus.
func (m *HookManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopWatcher)
		if m.watcher != nil {
			m.watcher.Close()
		}
		m.mu.Lock()
		subs := m.subs
		m.subs = nil
		m.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
	})
}

// GetHooks returns all loaded hooks flattened.
func (m *HookManager) GetHooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Hook, 0)
	for _, hooks := range m.hooks {
		result = append(result, hooks...)
	}
	return result
}

// AllHooks returns the enabled hooks followed by the disabled ones.
func (m *HookManager) AllHooks() []*Hook {
	out := m.GetHooks()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(out, m.disabled...)
}

// GetHook returns a hook by ID, enabled or not.
func (m *HookManager) GetHook(id string) *Hook {
	for _, h := range m.AllHooks() {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// EvaluateCondition exposes condition evaluation for testing.
func (m *HookManager) EvaluateCondition(h *Hook, ctx *EventContext) (bool, error) {
	return m.evaluateCondition(h.Condition, ctx)
}
