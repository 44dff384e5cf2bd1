package strategy

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/invopop/jsonschema"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// ParamSchema wraps a reflected JSON schema for a strategy's parameter
// struct. The same document drives API discovery, parameter validation and
// grid-search axis enumeration.
type ParamSchema struct {
	root *jsonschema.Schema
	raw  json.RawMessage
}

// ReflectParams derives a schema from a parameter struct. Bounds, defaults
// and enums come from jsonschema struct tags.
func ReflectParams(v interface{}) *ParamSchema {
	reflector := jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	root := reflector.Reflect(v)
	raw, err := json.Marshal(root)
	if err != nil {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	return &ParamSchema{root: root, raw: raw}
}

// JSON returns the rendered schema document.
func (p *ParamSchema) JSON() json.RawMessage {
	return p.raw
}

// Validate checks params against the schema: unknown keys, wrong types,
// out-of-bounds values and missing required fields all fail with
// ErrValidation. Absent optional parameters are fine; factories fill
// defaults.
func (p *ParamSchema) Validate(params map[string]interface{}) error {
	if p.root == nil || p.root.Properties == nil {
		if len(params) > 0 {
			return fmt.Errorf("strategy takes no parameters: %w", domain.ErrValidation)
		}
		return nil
	}
	for key, val := range params {
		prop, ok := p.root.Properties.Get(key)
		if !ok {
			return fmt.Errorf("unknown parameter %q: %w", key, domain.ErrValidation)
		}
		if err := checkValue(key, prop, val); err != nil {
			return err
		}
	}
	for _, name := range p.root.Required {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("missing required parameter %q: %w", name, domain.ErrValidation)
		}
	}
	return nil
}

func checkValue(key string, prop *jsonschema.Schema, val interface{}) error {
	switch prop.Type {
	case "integer":
		f, ok := numeric(val)
		if !ok || math.Trunc(f) != f {
			return fmt.Errorf("parameter %q: expected integer, got %v: %w", key, val, domain.ErrValidation)
		}
		return checkBounds(key, prop, f)
	case "number":
		f, ok := numeric(val)
		if !ok {
			return fmt.Errorf("parameter %q: expected number, got %v: %w", key, val, domain.ErrValidation)
		}
		return checkBounds(key, prop, f)
	case "string":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("parameter %q: expected string, got %v: %w", key, val, domain.ErrValidation)
		}
		if len(prop.Enum) > 0 {
			for _, e := range prop.Enum {
				if es, ok := e.(string); ok && es == s {
					return nil
				}
			}
			return fmt.Errorf("parameter %q: %q not in %v: %w", key, s, prop.Enum, domain.ErrValidation)
		}
		return nil
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("parameter %q: expected boolean, got %v: %w", key, val, domain.ErrValidation)
		}
		return nil
	default:
		return nil
	}
}

func checkBounds(key string, prop *jsonschema.Schema, f float64) error {
	if prop.Minimum != "" {
		if min, err := prop.Minimum.Float64(); err == nil && f < min {
			return fmt.Errorf("parameter %q: %v below minimum %v: %w", key, f, min, domain.ErrValidation)
		}
	}
	if prop.Maximum != "" {
		if max, err := prop.Maximum.Float64(); err == nil && f > max {
			return fmt.Errorf("parameter %q: %v above maximum %v: %w", key, f, max, domain.ErrValidation)
		}
	}
	return nil
}

// Axis is a numeric parameter with declared bounds, usable as a grid-search
// dimension.
type Axis struct {
	Name    string
	Min     float64
	Max     float64
	Default float64
	Integer bool
}

// NumericAxes lists every integer or number property that declares both a
// minimum and a maximum, in schema order.
func (p *ParamSchema) NumericAxes() []Axis {
	if p.root == nil || p.root.Properties == nil {
		return nil
	}
	var axes []Axis
	for pair := p.root.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		if prop.Type != "integer" && prop.Type != "number" {
			continue
		}
		if prop.Minimum == "" || prop.Maximum == "" {
			continue
		}
		min, errMin := prop.Minimum.Float64()
		max, errMax := prop.Maximum.Float64()
		if errMin != nil || errMax != nil || max < min {
			continue
		}
		axis := Axis{
			Name:    pair.Key,
			Min:     min,
			Max:     max,
			Default: (min + max) / 2,
			Integer: prop.Type == "integer",
		}
		if def, ok := numeric(prop.Default); ok {
			axis.Default = def
		}
		axes = append(axes, axis)
	}
	return axes
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Num reads a numeric parameter, falling back to def when absent.
func Num(params map[string]interface{}, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, ok := numeric(v); ok {
			return f
		}
	}
	return def
}

// Str reads a string parameter, falling back to def when absent.
func Str(params map[string]interface{}, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Flag reads a boolean parameter, falling back to def when absent.
func Flag(params map[string]interface{}, key string, def bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
