// Package graph contains the immutable pipeline graph model: typed nodes,
// ports, connections and global parameters.
package graph

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind identifies the variant held by a Param.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindPath
	// KindGlobalRef defers to a global parameter of the owning graph.
	KindGlobalRef
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindPath:
		return "path"
	case KindGlobalRef:
		return "global-ref"
	default:
		return "invalid"
	}
}

// Param is a typed parameter value. The zero value is invalid; construct
// params with the typed constructors so type errors surface at graph
// construction time rather than at invocation time.
type Param struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// String returns a string-typed param.
func String(s string) Param { return Param{kind: KindString, str: s} }

// Number returns a number-typed param.
func Number(n float64) Param { return Param{kind: KindNumber, num: n} }

// Bool returns a bool-typed param.
func Bool(b bool) Param { return Param{kind: KindBool, b: b} }

// Path returns a filesystem-path-typed param. Paths are the values the
// template resolver substitutes per job.
func Path(p string) Param { return Param{kind: KindPath, str: p} }

// GlobalRef returns a param deferring to the named global of the graph.
func GlobalRef(name string) Param { return Param{kind: KindGlobalRef, str: name} }

// Kind reports the variant held.
func (p Param) Kind() Kind { return p.kind }

// IsZero reports whether the param was never constructed.
func (p Param) IsZero() bool { return p.kind == KindInvalid }

// GlobalName returns the referenced global name for a KindGlobalRef param.
func (p Param) GlobalName() string {
	if p.kind != KindGlobalRef {
		return ""
	}
	return p.str
}

// StringVal returns the string or path payload.
func (p Param) StringVal() string { return p.str }

// NumberVal returns the numeric payload.
func (p Param) NumberVal() float64 { return p.num }

// BoolVal returns the boolean payload.
func (p Param) BoolVal() bool { return p.b }

// Equal reports structural equality of two params.
func (p Param) Equal(o Param) bool { return p == o }

// Render returns the value as it is written into the executor document.
func (p Param) Render() string {
	switch p.kind {
	case KindString, KindPath, KindGlobalRef:
		return p.str
	case KindNumber:
		return strconv.FormatFloat(p.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(p.b)
	default:
		return ""
	}
}

// UnmarshalYAML decodes a param from its document form: plain scalars map to
// string/number/bool, a `{path: ...}` mapping to a path and a
// `{global: ...}` mapping to a global reference.
func (p *Param) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		switch value.Tag {
		case "!!bool":
			var b bool
			if err := value.Decode(&b); err != nil {
				return err
			}
			*p = Bool(b)
		case "!!int", "!!float":
			var n float64
			if err := value.Decode(&n); err != nil {
				return err
			}
			*p = Number(n)
		default:
			var s string
			if err := value.Decode(&s); err != nil {
				return err
			}
			*p = String(s)
		}
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := value.Decode(&m); err != nil {
			return fmt.Errorf("parameter mapping: %w", err)
		}
		if len(m) != 1 {
			return fmt.Errorf("parameter mapping must have exactly one of 'path' or 'global'")
		}
		if v, ok := m["path"]; ok {
			*p = Path(v)
			return nil
		}
		if v, ok := m["global"]; ok {
			*p = GlobalRef(v)
			return nil
		}
		return fmt.Errorf("unknown parameter form %v", m)
	default:
		return fmt.Errorf("unsupported parameter node kind %d", value.Kind)
	}
}

// MarshalYAML encodes the param back to its document form.
func (p Param) MarshalYAML() (interface{}, error) {
	switch p.kind {
	case KindString:
		return p.str, nil
	case KindNumber:
		return p.num, nil
	case KindBool:
		return p.b, nil
	case KindPath:
		return map[string]string{"path": p.str}, nil
	case KindGlobalRef:
		return map[string]string{"global": p.str}, nil
	default:
		return nil, fmt.Errorf("cannot marshal invalid parameter")
	}
}
