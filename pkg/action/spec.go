// Package action describes multi-head discrete action spaces whose heads may
// depend on the options chosen for earlier heads of the same action.
//
// Heads are evaluated in declaration order. Option 0 of every head is its
// null option and is always legal, so the all-zero vector is a valid no-op.
package action

import (
	"fmt"
	"strings"

	"github.com/boristopalov/gladiator/pkg/core"
)

// Dependency gates the non-null options of a head on the value an earlier
// head resolved to.
type Dependency struct {
	Head  int   `json:"head"`
	AnyOf []int `json:"anyOf"`
}

type Head struct {
	Name      string       `json:"name"`
	Options   []string     `json:"options"`
	DependsOn []Dependency `json:"dependsOn,omitempty"`
}

func (h Head) Size() int {
	return len(h.Options)
}

// Spec is the ordered set of heads. It is immutable once built and shared by
// both ends of the wire.
type Spec struct {
	Heads []Head `json:"heads"`
}

// NewSpec validates the heads and returns a spec. A dependency may only
// reference an earlier head, which rules out cycles.
func NewSpec(heads ...Head) (*Spec, error) {
	if len(heads) == 0 {
		return nil, fmt.Errorf("action spec needs at least one head")
	}
	for i, h := range heads {
		if h.Name == "" {
			return nil, fmt.Errorf("head %d has no name", i)
		}
		if len(h.Options) < 2 {
			return nil, fmt.Errorf("head %s needs a null option and at least one other option", h.Name)
		}
		for _, dep := range h.DependsOn {
			if dep.Head < 0 || dep.Head >= i {
				return nil, fmt.Errorf("head %s depends on head %d which is not evaluated before it", h.Name, dep.Head)
			}
			if len(dep.AnyOf) == 0 {
				return nil, fmt.Errorf("head %s has an empty dependency on head %d", h.Name, dep.Head)
			}
			for _, v := range dep.AnyOf {
				if v < 0 || v >= heads[dep.Head].Size() {
					return nil, fmt.Errorf("head %s depends on option %d of head %s which does not exist", h.Name, v, heads[dep.Head].Name)
				}
			}
		}
	}
	return &Spec{Heads: heads}, nil
}

// MustSpec is NewSpec for package-level declarations.
func MustSpec(heads ...Head) *Spec {
	s, err := NewSpec(heads...)
	if err != nil {
		panic(err)
	}
	return s
}

// Sizes returns the cardinality of every head.
func (s *Spec) Sizes() []int {
	out := make([]int, len(s.Heads))
	for i, h := range s.Heads {
		out[i] = h.Size()
	}
	return out
}

// Noop returns the all-null action.
func (s *Spec) Noop() []int {
	return make([]int, len(s.Heads))
}

// Open returns a base mask with every option allowed.
func (s *Spec) Open() [][]bool {
	out := make([][]bool, len(s.Heads))
	for i, h := range s.Heads {
		out[i] = make([]bool, h.Size())
		for j := range out[i] {
			out[i][j] = true
		}
	}
	return out
}

// Gated reports whether head i is restricted to its null option given the
// values already chosen for earlier heads.
func (s *Spec) Gated(i int, chosen []int) bool {
	for _, dep := range s.Heads[i].DependsOn {
		if dep.Head >= len(chosen) || !contains(dep.AnyOf, chosen[dep.Head]) {
			return true
		}
	}
	return false
}

// HeadMask is the effective legal-option set of head i: the world's base
// mask combined with the dependency gate. Option 0 is always legal.
func (s *Spec) HeadMask(i int, base [][]bool, chosen []int) []bool {
	out := make([]bool, s.Heads[i].Size())
	out[0] = true
	if s.Gated(i, chosen) {
		return out
	}
	for j := 1; j < len(out); j++ {
		out[j] = base == nil || (i < len(base) && j < len(base[i]) && base[i][j])
	}
	return out
}

// Validate checks a full action vector against the base mask and the
// dependency rules. Illegal options are reported, never clamped.
func (s *Spec) Validate(act []int, base [][]bool) error {
	if len(act) != len(s.Heads) {
		return core.Errorf(core.CodeIllegalAction, "action has %d heads, want %d", len(act), len(s.Heads))
	}
	for i, h := range s.Heads {
		v := act[i]
		if v < 0 || v >= h.Size() {
			return core.Errorf(core.CodeIllegalAction, "head %s: option %d out of range [0,%d)", h.Name, v, h.Size())
		}
		if !s.HeadMask(i, base, act[:i])[v] {
			return core.Errorf(core.CodeIllegalAction, "head %s: option %s is masked", h.Name, h.Options[v])
		}
	}
	return nil
}

// Describe renders an action as head=option pairs for logs and prompts.
func (s *Spec) Describe(act []int) string {
	parts := make([]string, 0, len(act))
	for i, v := range act {
		if i >= len(s.Heads) || v < 0 || v >= s.Heads[i].Size() {
			parts = append(parts, fmt.Sprintf("%d=?", i))
			continue
		}
		parts = append(parts, s.Heads[i].Name+"="+s.Heads[i].Options[v])
	}
	return strings.Join(parts, " ")
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
