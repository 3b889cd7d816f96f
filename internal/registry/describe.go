package registry

// ParamInfo is the wire form of one parameter in the task-type
// metadata: the rendered type name plus the full descriptor tree.
type ParamInfo struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	TypeInfo   *TypeDesc `json:"type_info"`
	Required   bool      `json:"required"`
	Default    any       `json:"default"`
	HasDefault bool      `json:"has_default"`
	Kind       string    `json:"kind"`
	UI         UIHints   `json:"ui"`
}

// TaskInfo is the self-description of one task type: everything a form
// builder needs to render and validate its inputs.
type TaskInfo struct {
	TaskType      string      `json:"task_type"`
	Queue         string      `json:"queue"`
	Description   string      `json:"description"`
	HasParameters bool        `json:"has_parameters"`
	Parameters    []ParamInfo `json:"parameters"`
}

// Describe returns the UI metadata for one task type. Injected
// parameters never appear.
func (r *Registry) Describe(taskType string) (*TaskInfo, error) {
	def, err := r.Resolve(taskType)
	if err != nil {
		return nil, err
	}
	return describe(def), nil
}

// DescribeAll returns the UI metadata for every task type, sorted by
// name.
func (r *Registry) DescribeAll() []*TaskInfo {
	defs := r.List()
	infos := make([]*TaskInfo, len(defs))
	for i, def := range defs {
		infos[i] = describe(def)
	}
	return infos
}

func describe(def *Definition) *TaskInfo {
	input := def.InputParams()
	params := make([]ParamInfo, len(input))
	for i, p := range input {
		params[i] = ParamInfo{
			Name:       p.Name,
			Type:       p.Type.String(),
			TypeInfo:   p.Type,
			Required:   p.Required,
			Default:    p.Default,
			HasDefault: p.HasDefault,
			Kind:       p.Kind,
			UI:         p.UI,
		}
	}
	return &TaskInfo{
		TaskType:      def.Name,
		Queue:         def.Queue,
		Description:   def.Doc,
		HasParameters: len(params) > 0,
		Parameters:    params,
	}
}
