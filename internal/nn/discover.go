package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/qllm/internal/tensor"
)

// ErrBadPath is returned when a dotted path does not resolve.
var ErrBadPath = errors.New("nn: path does not resolve")

// Registry is an ordered mapping from dotted path to module.
type Registry struct {
	paths []string
	mods  map[string]Module
}

func newRegistry() *Registry {
	return &Registry{mods: make(map[string]Module)}
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.paths) }

// Paths returns the entries' paths in discovery order.
func (r *Registry) Paths() []string { return append([]string(nil), r.paths...) }

// Get returns the module registered at path.
func (r *Registry) Get(path string) (Module, bool) {
	m, ok := r.mods[path]
	return m, ok
}

// Filter returns a registry holding the entries for which keep is true,
// preserving order.
func (r *Registry) Filter(keep func(path string, m Module) bool) *Registry {
	out := newRegistry()
	for _, p := range r.paths {
		if keep(p, r.mods[p]) {
			out.add(p, r.mods[p])
		}
	}
	return out
}

func (r *Registry) add(path string, m Module) {
	if _, ok := r.mods[path]; !ok {
		r.paths = append(r.paths, path)
	}
	r.mods[path] = m
}

// Find walks the tree under root and returns every module whose kind is in
// kinds, keyed by its dotted path prefixed with prefix. Hook decorators are
// looked through; the registered module is the bare one.
func Find(root Module, prefix string, kinds ...string) *Registry {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	reg := newRegistry()
	_ = Walk(root, prefix, func(path string, m Module) error {
		if path != prefix && want[m.Kind()] {
			reg.add(path, m)
		}
		return nil
	})
	return reg
}

// Walk visits root and its descendants depth first, children in
// declaration order. Modules are passed unwrapped.
func Walk(root Module, prefix string, fn func(path string, m Module) error) error {
	m := Unwrap(root)
	if err := fn(prefix, m); err != nil {
		return err
	}
	for _, c := range m.Children() {
		if err := Walk(c.Module, Join(prefix, c.Name), fn); err != nil {
			return err
		}
	}
	return nil
}

// Join appends name to a dotted prefix.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Resolve returns the module at path below root, looking through hooks.
func Resolve(root Module, path string) (Module, error) {
	if path == "" {
		return Unwrap(root), nil
	}
	parent, name, err := ResolveParent(root, path)
	if err != nil {
		return nil, err
	}
	m, err := childOf(parent, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	return Unwrap(m), nil
}

// ResolveParent returns the parent holding the last path element and that
// element's name.
func ResolveParent(root Module, path string) (Parent, string, error) {
	parts := strings.Split(path, ".")
	if path == "" || len(parts) == 0 {
		return nil, "", fmt.Errorf("%w: empty path", ErrBadPath)
	}
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, err := childOf(cur, p)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %q", ErrBadPath, path)
		}
		cur = next
	}
	parent, ok := cur.(Parent)
	if !ok {
		return nil, "", fmt.Errorf("%w: parent of %q cannot hold children", ErrBadPath, path)
	}
	name := parts[len(parts)-1]
	if _, err := childOf(parent, name); err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	return parent, name, nil
}

// Replace swaps the module at path for m.
func Replace(root Module, path string, m Module) error {
	parent, name, err := ResolveParent(root, path)
	if err != nil {
		return err
	}
	return parent.SetChild(name, m)
}

// NamedParam is a parameter with its full dotted name.
type NamedParam struct {
	Name string
	Param
}

// StateDict lists every non-nil parameter under root with its full dotted
// name, in walk order.
func StateDict(root Module) []NamedParam {
	var out []NamedParam
	_ = Walk(root, "", func(path string, m Module) error {
		for _, p := range m.Params() {
			if p.T == nil {
				continue
			}
			out = append(out, NamedParam{Name: Join(path, p.Name), Param: p})
		}
		return nil
	})
	return out
}

// FirstParam returns the first parameter found under m in walk order.
func FirstParam(m Module) (Param, bool) {
	var found Param
	ok := false
	errStop := errors.New("stop")
	_ = Walk(m, "", func(_ string, mm Module) error {
		for _, p := range mm.Params() {
			if p.T != nil {
				found, ok = p, true
				return errStop
			}
		}
		return nil
	})
	return found, ok
}

// MoveParams relocates every parameter under m to dev.
func MoveParams(m Module, dev tensor.Device) {
	for _, p := range StateDict(m) {
		p.T.MoveTo(dev)
	}
}

// Device returns the device of the first parameter under m.
func Device(m Module) (tensor.Device, bool) {
	p, ok := FirstParam(m)
	if !ok {
		return "", false
	}
	return p.T.Device, true
}
