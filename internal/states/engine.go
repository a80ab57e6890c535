// Package states holds live entity values and renders status templates
// against them.
//
// Templates use text/template syntax with these functions:
//
//	{{ state "sensor.door" }}            value of an entity, or "unknown"
//	{{ if is_state "lock.front" "locked" }}...{{ end }}
//	{{ state "sensor.x" | upper }}
//
// Every entity read during a render is tracked, so a subscription fires
// only when one of those entities changes and the output changes with it.
package states

import (
	"strings"
	"sync"
	"text/template"
)

// Unknown is rendered for entities that have never been set.
const Unknown = "unknown"

// Engine stores entity values and evaluates templates against them.
// The zero value is not usable; use NewEngine.
type Engine struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[uint64]*subscription
	nextID uint64
}

type subscription struct {
	src      string
	refs     map[string]struct{}
	last     string
	failed   bool
	onChange func()
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		values: make(map[string]string),
		subs:   make(map[uint64]*subscription),
	}
}

// Get returns the current value of an entity.
func (e *Engine) Get(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[id]
	return v, ok
}

// Set stores an entity value and notifies subscriptions whose rendered
// output changed as a result. Callbacks run on the calling goroutine after
// the engine lock is released.
func (e *Engine) Set(id, value string) {
	e.mu.Lock()
	if old, ok := e.values[id]; ok && old == value {
		e.mu.Unlock()
		return
	}
	e.values[id] = value

	var fire []func()
	for _, s := range e.subs {
		if _, ok := s.refs[id]; !ok {
			continue
		}
		out, refs, err := e.renderLocked(s.src)
		s.refs = refs
		failed := err != nil
		if out != s.last || failed != s.failed {
			s.last, s.failed = out, failed
			fire = append(fire, s.onChange)
		}
	}
	e.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// Render evaluates src against the current entity values.
func (e *Engine) Render(src string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out, _, err := e.renderLocked(src)
	return out, err
}

// Track calls onChange whenever the rendered output of src changes. It
// returns a function that removes the subscription; calling it more than
// once is harmless. A template that does not parse is rejected.
func (e *Engine) Track(src string, onChange func()) (func(), error) {
	if _, err := parse(src, nil); err != nil {
		return nil, err
	}

	e.mu.Lock()
	out, refs, err := e.renderLocked(src)
	id := e.nextID
	e.nextID++
	e.subs[id] = &subscription{
		src:      src,
		refs:     refs,
		last:     out,
		failed:   err != nil,
		onChange: onChange,
	}
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}, nil
}

// Subscriptions returns the number of live Track subscriptions.
func (e *Engine) Subscriptions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// renderLocked executes src and reports every entity it read.
// Caller must hold e.mu.
func (e *Engine) renderLocked(src string) (string, map[string]struct{}, error) {
	refs := make(map[string]struct{})
	lookup := func(id string) string {
		refs[id] = struct{}{}
		if v, ok := e.values[id]; ok {
			return v
		}
		return Unknown
	}

	t, err := parse(src, lookup)
	if err != nil {
		return "", refs, err
	}
	var b strings.Builder
	if err := t.Execute(&b, nil); err != nil {
		return "", refs, err
	}
	return b.String(), refs, nil
}

func parse(src string, lookup func(string) string) (*template.Template, error) {
	if lookup == nil {
		lookup = func(string) string { return Unknown }
	}
	return template.New("status").
		Funcs(template.FuncMap{
			"state":    lookup,
			"is_state": func(id, want string) bool { return lookup(id) == want },
			"upper":    strings.ToUpper,
			"lower":    strings.ToLower,
			"trim":     strings.TrimSpace,
		}).
		Parse(src)
}
