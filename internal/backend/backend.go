// Package backend names the execution backends and probes the host for the
// capabilities that decide which quantized kernel can run.
package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies an execution backend.
type Name string

const (
	CPU  Name = "cpu"
	CUDA Name = "cuda"
	Auto Name = "auto"
)

// ErrUnavailable is returned for a backend this build cannot drive.
var ErrUnavailable = errors.New("backend not available in this build")

// preference is the order auto walks when resolving a backend.
var preference = []Name{CUDA, CPU}

// probers holds the backends compiled into this build.
var probers = map[Name]Prober{
	CPU: HostProber{},
}

// Parse accepts auto, cpu or cuda in any case. Empty is auto.
func Parse(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case "":
		return Auto, nil
	case CPU, CUDA, Auto:
		return n, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", s)
	}
}

// Available lists the backends of this build in preference order.
func Available() []Name {
	var out []Name
	for _, n := range preference {
		if _, ok := probers[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// ForBackend returns the prober for a backend name. auto resolves to the
// most preferred available backend.
func ForBackend(s string) (Prober, error) {
	n, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if n == Auto {
		n = Available()[0]
	}
	p, ok := probers[n]
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnavailable, n, Join(Available()))
	}
	return p, nil
}

// Join renders names as a comma-separated list.
func Join(names []Name) string {
	s := make([]string, len(names))
	for i, n := range names {
		s[i] = string(n)
	}
	return strings.Join(s, ",")
}
