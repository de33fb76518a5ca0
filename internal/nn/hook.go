package nn

import (
	"fmt"
	"slices"

	"github.com/samcharles93/qllm/internal/tensor"
)

// PreHook runs before a module's forward pass. It receives the wrapped
// module and may return replacement arguments; returning nil keeps in.
type PreHook func(m Module, in *Args) (*Args, error)

type hookEntry struct {
	id int
	fn PreHook
}

// Hooked decorates a module with an ordered chain of pre-call hooks. It is
// transparent to discovery: Kind, Children and Params are those of Inner.
type Hooked struct {
	Inner Module

	hooks  []hookEntry
	nextID int
}

// Wrap returns m decorated with a hook chain. A module that is already
// wrapped is returned as is.
func Wrap(m Module) *Hooked {
	if h, ok := m.(*Hooked); ok {
		return h
	}
	return &Hooked{Inner: m}
}

// Unwrap strips every hook decorator around m.
func Unwrap(m Module) Module {
	for {
		h, ok := m.(*Hooked)
		if !ok {
			return m
		}
		m = h.Inner
	}
}

// Add appends fn to the chain and returns a function that removes it.
func (h *Hooked) Add(fn PreHook) (remove func()) {
	id := h.nextID
	h.nextID++
	h.hooks = append(h.hooks, hookEntry{id: id, fn: fn})
	return func() {
		h.hooks = slices.DeleteFunc(h.hooks, func(e hookEntry) bool { return e.id == id })
	}
}

// Len returns the number of installed hooks.
func (h *Hooked) Len() int { return len(h.hooks) }

func (h *Hooked) Kind() string { return h.Inner.Kind() }

func (h *Hooked) Forward(in *Args) (*tensor.Tensor, error) {
	target := Unwrap(h.Inner)
	for _, e := range h.hooks {
		next, err := e.fn(target, in)
		if err != nil {
			return nil, err
		}
		if next != nil {
			in = next
		}
	}
	return h.Inner.Forward(in)
}

func (h *Hooked) Children() []Child { return h.Inner.Children() }

func (h *Hooked) Params() []Param { return h.Inner.Params() }

// SetChild forwards to the wrapped module when it is a Parent.
func (h *Hooked) SetChild(name string, m Module) error {
	p, ok := h.Inner.(Parent)
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrNoChild, name, h.Inner.Kind())
	}
	return p.SetChild(name, m)
}

// InstallHook wraps the module at path (in its parent's slot) and appends
// fn to its chain. The returned remove function drops the hook and, when
// the chain becomes empty, puts the bare module back into the slot.
func InstallHook(root Module, path string, fn PreHook) (remove func(), err error) {
	parent, name, err := ResolveParent(root, path)
	if err != nil {
		return nil, err
	}
	cur, err := childOf(parent, name)
	if err != nil {
		return nil, err
	}
	h := Wrap(cur)
	if h != cur {
		if err := parent.SetChild(name, h); err != nil {
			return nil, err
		}
	}
	drop := h.Add(fn)
	return func() {
		drop()
		if h.Len() == 0 {
			if now, err := childOf(parent, name); err == nil && now == Module(h) {
				_ = parent.SetChild(name, h.Inner)
			}
		}
	}, nil
}

func childOf(parent Module, name string) (Module, error) {
	for _, c := range parent.Children() {
		if c.Name == name {
			return c.Module, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoChild, name)
}
