package dispatch

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/g960059/cmuxctl/internal/model"
)

// Params is the params object of a v2 request.
type Params struct {
	raw json.RawMessage
}

func NewParams(raw json.RawMessage) Params {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	return Params{raw: trimmed}
}

// ParamsOf marshals v into Params. Handlers use it for nested calls.
func ParamsOf(v any) (Params, error) {
	if v == nil {
		return NewParams(nil), nil
	}
	if p, ok := v.(Params); ok {
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Params{}, model.Errorf(model.ErrEncode, "encode params: %v", err)
	}
	return NewParams(raw), nil
}

func (p Params) Raw() json.RawMessage {
	return p.raw
}

func (p Params) get(name string) gjson.Result {
	return gjson.GetBytes(p.raw, gjson.Escape(name))
}

// Has reports whether name is present and not null.
func (p Params) Has(name string) bool {
	r := p.get(name)
	return r.Exists() && r.Type != gjson.Null
}

// String returns a string param, or "" when absent. Numbers are accepted and
// rendered in their JSON form so an index may be passed either way.
func (p Params) String(name string) string {
	r := p.get(name)
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

// Require returns a non-empty string param or invalid_params.
func (p Params) Require(name string) (string, error) {
	v := p.String(name)
	if v == "" {
		return "", model.InvalidParams("%s is required", name)
	}
	return v, nil
}

// First returns the first non-empty string among names.
func (p Params) First(names ...string) string {
	for _, n := range names {
		if v := p.String(n); v != "" {
			return v
		}
	}
	return ""
}

func (p Params) Bool(name string) (bool, error) {
	r := p.get(name)
	switch r.Type {
	case gjson.Null:
		return false, nil
	case gjson.True, gjson.False:
		return r.Bool(), nil
	default:
		return false, model.InvalidParams("%s must be a boolean", name)
	}
}

// OptInt returns nil when name is absent.
func (p Params) OptInt(name string) (*int, error) {
	r := p.get(name)
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	if r.Type != gjson.Number || float64(int(r.Num)) != r.Num {
		return nil, model.InvalidParams("%s must be an integer", name)
	}
	v := int(r.Num)
	return &v, nil
}

func (p Params) Int(name string, def int) (int, error) {
	v, err := p.OptInt(name)
	if err != nil || v == nil {
		return def, err
	}
	return *v, nil
}

// Strings accepts either a single string or an array of strings.
func (p Params) Strings(name string) ([]string, error) {
	r := p.get(name)
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return nil, nil
	case r.Type == gjson.String:
		return []string{r.Str}, nil
	case r.IsArray():
		var out []string
		var bad bool
		r.ForEach(func(_, v gjson.Result) bool {
			if v.Type != gjson.String {
				bad = true
				return false
			}
			out = append(out, v.Str)
			return true
		})
		if bad {
			return nil, model.InvalidParams("%s must contain only strings", name)
		}
		return out, nil
	default:
		return nil, model.InvalidParams("%s must be a string or an array of strings", name)
	}
}

// Decode unmarshals the params object into v.
func (p Params) Decode(v any) error {
	if err := json.Unmarshal(p.raw, v); err != nil {
		return model.InvalidParams("invalid params: %v", err)
	}
	return nil
}

// With returns a copy of p with name set to value.
func (p Params) With(name string, value any) Params {
	m := map[string]any{}
	_ = json.Unmarshal(p.raw, &m)
	m[name] = value
	raw, err := json.Marshal(m)
	if err != nil {
		return p
	}
	return Params{raw: raw}
}
