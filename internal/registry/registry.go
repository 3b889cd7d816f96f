// Package registry is the in-process catalog of task types. Each task
// registers once at bootstrap with its handler, queue, and explicit
// parameter descriptors; the catalog is immutable afterwards and every
// read works on the registered definitions directly.
package registry

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

// Injected parameter names the platform always supplies itself. They
// never appear in the UI parameter schema and never count as required.
var reservedInjected = map[string]struct{}{
	"ctx":         {},
	"context":     {},
	"config_id":   {},
	"task_id":     {},
	"schedule_id": {},
}

var taskNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Call carries the per-fire values the platform injects into a handler.
type Call struct {
	ConfigID   int64
	TaskID     string
	ScheduleID string
	Params     map[string]any
}

// Handler is the task function contract: a JSON-safe result map or an
// error.
type Handler func(ctx context.Context, call Call) (map[string]any, error)

// Param kinds.
const (
	ParamInput    = "input"
	ParamInjected = "injected"
)

// Param describes one task parameter.
type Param struct {
	Name       string
	Type       *TypeDesc
	Default    any
	HasDefault bool
	Required   bool
	Kind       string
	UI         UIHints
}

// Definition is a registered task type.
type Definition struct {
	Name    string
	Queue   string
	Doc     string
	Handler Handler
	Params  []Param
}

// InputParams returns the UI-facing parameters, injected ones
// excluded.
func (d *Definition) InputParams() []Param {
	out := make([]Param, 0, len(d.Params))
	for _, p := range d.Params {
		if p.Kind != ParamInjected {
			out = append(out, p)
		}
	}
	return out
}

// EffectiveParams merges declared defaults under the given parameters.
// Injected names are stripped; the platform supplies those itself.
func (d *Definition) EffectiveParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(d.Params))
	for _, p := range d.Params {
		if p.Kind == ParamInjected {
			continue
		}
		if p.HasDefault {
			out[p.Name] = p.Default
		}
	}
	for name, val := range params {
		if _, injected := reservedInjected[name]; injected {
			continue
		}
		out[name] = val
	}
	return out
}

// Registry maps task type names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	log  *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		defs: make(map[string]*Definition),
		log:  log.With(zap.String("component", "registry")),
	}
}

// Register adds a definition. Duplicate names conflict unless force is
// set.
func (r *Registry) Register(def *Definition, force bool) error {
	if def == nil || def.Handler == nil {
		return apperr.Validationf("task definition needs a handler")
	}
	if !taskNameRe.MatchString(def.Name) {
		return apperr.Validationf("invalid task type name %q", def.Name)
	}
	seen := make(map[string]struct{}, len(def.Params))
	for _, p := range def.Params {
		if _, dup := seen[p.Name]; dup {
			return apperr.Validationf("task %q declares parameter %q twice", def.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists && !force {
		return apperr.Conflictf("task type %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.log.Info("task type registered",
		zap.String("task_type", def.Name),
		zap.String("queue", def.Queue),
		zap.Int("parameters", len(def.InputParams())))
	return nil
}

// MustRegister registers a definition built at bootstrap and panics on
// a bad one; a misdeclared builtin is a programming error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def, false); err != nil {
		panic(err)
	}
}

// Get looks up a definition.
func (r *Registry) Get(taskType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[taskType]
	return def, ok
}

// Resolve looks up a definition, erring with not-found.
func (r *Registry) Resolve(taskType string) (*Definition, error) {
	if def, ok := r.Get(taskType); ok {
		return def, nil
	}
	return nil, apperr.NotFoundf("unknown task type %q", taskType)
}

// Types returns the registered task type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len reports how many task types are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// ValidateParams checks params against a task type's declaration. All
// missing required parameters are reported at once; undeclared keys
// pass through untouched so handlers can accept open-ended input.
func (r *Registry) ValidateParams(taskType string, params map[string]any) error {
	def, err := r.Resolve(taskType)
	if err != nil {
		return err
	}

	var missing []string
	for _, p := range def.Params {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperr.Validationf("task %q is missing required parameters", taskType).
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}
