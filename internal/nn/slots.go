package nn

import (
	"fmt"

	"github.com/samcharles93/qllm/internal/tensor"
)

// Slots is an ordered set of named child slots. Modules embed it to get
// Children and SetChild for free.
type Slots struct {
	names []string
	mods  []Module
}

// Put appends a slot, or replaces it when name already exists.
func (s *Slots) Put(name string, m Module) {
	for i, n := range s.names {
		if n == name {
			s.mods[i] = m
			return
		}
	}
	s.names = append(s.names, name)
	s.mods = append(s.mods, m)
}

// Slot returns the module currently held in name, hook decorators included.
func (s *Slots) Slot(name string) Module {
	for i, n := range s.names {
		if n == name {
			return s.mods[i]
		}
	}
	return nil
}

func (s *Slots) Children() []Child {
	out := make([]Child, len(s.names))
	for i := range s.names {
		out[i] = Child{Name: s.names[i], Module: s.mods[i]}
	}
	return out
}

func (s *Slots) SetChild(name string, m Module) error {
	for i, n := range s.names {
		if n == name {
			s.mods[i] = m
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoChild, name)
}

// CallSlot runs the module held in name.
func (s *Slots) CallSlot(name string, in *Args) (*tensor.Tensor, error) {
	m := s.Slot(name)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoChild, name)
	}
	return m.Forward(in)
}
