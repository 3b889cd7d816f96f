package registry

import "strings"

// Widget controls the UI renders parameters with.
const (
	WidgetText     = "text"
	WidgetNumber   = "number"
	WidgetSwitch   = "switch"
	WidgetSelect   = "select"
	WidgetEmail    = "email"
	WidgetDatetime = "datetime"
)

// UIHints is the per-parameter rendering metadata handed to form
// builders. Explicit values set at registration win over inference.
type UIHints struct {
	Control     string   `json:"control"`
	Label       string   `json:"label,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Description string   `json:"description,omitempty"`
	Example     any      `json:"example,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"`
	Choices     []string `json:"choices,omitempty"`
	Exclude     bool     `json:"exclude_from_ui,omitempty"`
}

// inferUI fills the gaps explicit metadata left open: the control is
// derived from the type tree and the parameter name, select choices
// from literal and enum values, the label from the name.
func inferUI(name string, t *TypeDesc, hints UIHints) UIHints {
	if hints.Label == "" {
		hints.Label = labelFromName(name)
	}
	if hints.Control != "" {
		return hints
	}

	inner := t.unwrap()
	if inner == nil {
		hints.Control = WidgetText
		return hints
	}

	switch inner.Kind {
	case TypeLiteral:
		hints.Control = WidgetSelect
		if len(hints.Choices) == 0 {
			choices := make([]string, 0, len(inner.Values))
			for _, v := range inner.Values {
				if s, ok := v.(string); ok {
					choices = append(choices, s)
				}
			}
			hints.Choices = choices
		}
	case TypeEnum:
		hints.Control = WidgetSelect
		if len(hints.Choices) == 0 {
			hints.Choices = inner.Choices
		}
	case TypeBool:
		hints.Control = WidgetSwitch
	case TypeInt, TypeFloat:
		hints.Control = WidgetNumber
	case TypeDatetime:
		hints.Control = WidgetDatetime
	default:
		// Name-based inference applies to plain string parameters only;
		// a bool named "send_email" stays a switch.
		if strings.HasSuffix(strings.ToLower(name), "email") {
			hints.Control = WidgetEmail
		} else {
			hints.Control = WidgetText
		}
	}
	return hints
}

func labelFromName(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
