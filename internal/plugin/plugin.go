// Package plugin defines the plug point between the job pipeline and
// domain code, plus the registry of plugins a process serves.
package plugin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Type classifies what a plugin does with its inputs.
type Type string

const (
	TypeProcessing  Type = "processing"
	TypeVisualizing Type = "visualizing"
	TypeConversion  Type = "conversion"
)

// DataMetadata describes one declared input or output.
type DataMetadata struct {
	DataType     string   `json:"data_type"`
	ContentTypes []string `json:"content_type"`
	Required     bool     `json:"required"`
}

// Field is a declared input parameter.
type Field struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Func is the domain logic of one job kind. It receives the decoded
// parameters and stages its results in out. Returning an error fails the job.
type Func func(ctx context.Context, params Params, out *Output) error

// Plugin bundles metadata with the function run by the worker.
type Plugin struct {
	Name        string
	Version     string
	Title       string
	Description string
	Type        Type
	Tags        []string
	Inputs      []Field
	Outputs     []DataMetadata
	Run         Func
}

// Identifier is the versioned name, e.g. echo@v1-0-0.
func (p Plugin) Identifier() string {
	return fmt.Sprintf("%s@v%s", p.Name, strings.ReplaceAll(p.Version, ".", "-"))
}

// Validate checks that every required field is present and non-empty.
func (p Plugin) Validate(params Params) map[string]string {
	problems := map[string]string{}
	for _, f := range p.Inputs {
		if !f.Required {
			continue
		}
		v, ok := params[f.Name]
		if !ok || v == nil {
			problems[f.Name] = "Missing data for required field."
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			problems[f.Name] = "Field may not be empty."
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// Params is the decoded parameter payload of a job.
type Params map[string]any

// DecodeParams parses serialized parameters. A payload that is not a JSON
// object is rejected.
func DecodeParams(raw []byte) (Params, error) {
	if len(raw) == 0 {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if p == nil {
		return Params{}, nil
	}
	return p, nil
}

// Bind copies the parameters into a typed struct via its json tags.
func (p Params) Bind(v any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("bind parameters: %w", err)
	}
	return nil
}

// String returns a string parameter or "".
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int returns a numeric parameter. Strings are parsed so that form-encoded
// submissions work; a missing key yields 0.
func (p Params) Int(key string) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("parameter %s: unexpected type %T", key, v)
	}
}

// Bool returns a boolean parameter, accepting the usual string spellings.
func (p Params) Bool(key string) (bool, error) {
	switch v := p[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "0", "false", "off", "no":
			return false, nil
		case "1", "true", "on", "yes":
			return true, nil
		}
		return false, fmt.Errorf("parameter %s: %q is not a boolean", key, v)
	default:
		return false, fmt.Errorf("parameter %s: unexpected type %T", key, v)
	}
}
