package registry

// TaskBuilder assembles a Definition. Parameter descriptors are spelled
// out at the registration site; nothing is synthesized from function
// signatures.
type TaskBuilder struct {
	def Definition
}

// NewTask starts a definition for the given task type and queue.
func NewTask(name, queue string, handler Handler) *TaskBuilder {
	return &TaskBuilder{def: Definition{Name: name, Queue: queue, Handler: handler}}
}

// Doc sets the human-readable description.
func (b *TaskBuilder) Doc(doc string) *TaskBuilder {
	b.def.Doc = doc
	return b
}

// Param adds a parameter.
func (b *TaskBuilder) Param(p *ParamBuilder) *TaskBuilder {
	b.def.Params = append(b.def.Params, p.p)
	return b
}

// Inject declares parameter names the platform supplies at fire time.
// The reserved names (ctx, context, config_id, task_id, schedule_id)
// are treated as injected even without this call.
func (b *TaskBuilder) Inject(names ...string) *TaskBuilder {
	for _, name := range names {
		b.def.Params = append(b.def.Params, Param{
			Name: name,
			Type: Unknown(),
			Kind: ParamInjected,
		})
	}
	return b
}

// Build finalizes the definition: injected markers are applied, the
// required rule derived (no default, not injected, not excluded from
// the UI), and UI hints inferred where registration left them open.
func (b *TaskBuilder) Build() *Definition {
	def := b.def
	params := make([]Param, len(def.Params))
	for i, p := range def.Params {
		if _, reserved := reservedInjected[p.Name]; reserved {
			p.Kind = ParamInjected
		}
		if p.Kind == "" {
			p.Kind = ParamInput
		}
		if p.Kind == ParamInjected {
			p.Required = false
			p.UI.Exclude = true
		} else {
			// A UI-excluded parameter cannot be required: no form could
			// ever collect it.
			p.Required = !p.HasDefault && !p.UI.Exclude
			p.UI = inferUI(p.Name, p.Type, p.UI)
		}
		params[i] = p
	}
	def.Params = params
	return &def
}

// ParamBuilder assembles one parameter descriptor.
type ParamBuilder struct {
	p Param
}

// P starts a parameter with its name and type tree.
func P(name string, t *TypeDesc) *ParamBuilder {
	return &ParamBuilder{p: Param{Name: name, Type: t}}
}

// Default sets the default value. A nil default still counts as a
// default, mirroring explicitly-null optionals.
func (b *ParamBuilder) Default(v any) *ParamBuilder {
	b.p.Default = v
	b.p.HasDefault = true
	return b
}

// Inject marks the parameter as platform-supplied.
func (b *ParamBuilder) Inject() *ParamBuilder {
	b.p.Kind = ParamInjected
	return b
}

// Label sets the UI label.
func (b *ParamBuilder) Label(s string) *ParamBuilder {
	b.p.UI.Label = s
	return b
}

// Placeholder sets the UI placeholder.
func (b *ParamBuilder) Placeholder(s string) *ParamBuilder {
	b.p.UI.Placeholder = s
	return b
}

// Description sets the UI help text.
func (b *ParamBuilder) Description(s string) *ParamBuilder {
	b.p.UI.Description = s
	return b
}

// Example sets an example value shown by the UI.
func (b *ParamBuilder) Example(v any) *ParamBuilder {
	b.p.UI.Example = v
	return b
}

// Control overrides the inferred widget.
func (b *ParamBuilder) Control(widget string) *ParamBuilder {
	b.p.UI.Control = widget
	return b
}

// Choices overrides the inferred select options.
func (b *ParamBuilder) Choices(choices ...string) *ParamBuilder {
	b.p.UI.Choices = choices
	return b
}

// Hidden keeps the parameter out of generated forms while leaving it
// settable through the API.
func (b *ParamBuilder) Hidden() *ParamBuilder {
	b.p.UI.Exclude = true
	return b
}

// Min bounds numeric input.
func (b *ParamBuilder) Min(v float64) *ParamBuilder {
	b.p.UI.Min = &v
	return b
}

// Max bounds numeric input.
func (b *ParamBuilder) Max(v float64) *ParamBuilder {
	b.p.UI.Max = &v
	return b
}

// Step sets the numeric input step.
func (b *ParamBuilder) Step(v float64) *ParamBuilder {
	b.p.UI.Step = &v
	return b
}
