package safetensors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/tensor"
)

// IndexFile is the Hugging Face sharded safetensors index filename.
const IndexFile = "model.safetensors.index.json"

// SingleFile is the name of an unsharded checkpoint.
const SingleFile = "model.safetensors"

// ErrIncomplete is returned by a strict load when tensors are missing.
var ErrIncomplete = errors.New("checkpoint is incomplete")

// Model is a unified view over the shards of one checkpoint.
type Model struct {
	Dir     string
	Files   []*File
	Tensors map[string]*File
}

type index struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// OpenModel opens the structured checkpoint in dir: the shards listed in
// IndexFile, or SingleFile when there is no index.
func OpenModel(dir string) (*Model, error) {
	idxPath := filepath.Join(dir, IndexFile)
	b, err := os.ReadFile(idxPath)
	if errors.Is(err, os.ErrNotExist) {
		f, err := Open(filepath.Join(dir, SingleFile))
		if err != nil {
			return nil, err
		}
		return newModel(dir, []*File{f}), nil
	}
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("index has empty weight_map: %s", idxPath)
	}
	shards := make([]string, 0)
	seen := make(map[string]bool)
	for _, s := range idx.WeightMap {
		if s == "" {
			return nil, fmt.Errorf("invalid shard name in weight_map")
		}
		if !seen[s] {
			seen[s] = true
			shards = append(shards, s)
		}
	}
	sort.Strings(shards)
	files := make([]*File, 0, len(shards))
	for _, s := range shards {
		f, err := Open(filepath.Join(dir, s))
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("open shard %s: %w", s, err)
		}
		files = append(files, f)
	}
	m := newModel(dir, files)
	for name, s := range idx.WeightMap {
		if f, ok := m.Tensors[name]; !ok || filepath.Base(f.Path) != s {
			_ = m.Close()
			return nil, fmt.Errorf("tensor %s is not in shard %s", name, s)
		}
	}
	return m, nil
}

// ScanModel opens every *.safetensors file in dir, in name order. A tensor
// present in several shards is taken from the last one.
func ScanModel(dir string) (*Model, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no .safetensors files in %s", dir)
	}
	sort.Strings(matches)
	files := make([]*File, 0, len(matches))
	for _, p := range matches {
		f, err := Open(p)
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("open shard %s: %w", filepath.Base(p), err)
		}
		files = append(files, f)
	}
	return newModel(dir, files), nil
}

func newModel(dir string, files []*File) *Model {
	m := &Model{Dir: dir, Files: files, Tensors: make(map[string]*File)}
	for _, f := range files {
		for name := range f.Tensors {
			m.Tensors[name] = f
		}
	}
	return m
}

// Close releases every shard.
func (m *Model) Close() error {
	var errs []error
	for _, f := range m.Files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func closeAll(files []*File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Names returns every tensor name in sorted order.
func (m *Model) Names() []string {
	out := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Fill reads every tensor of dst present in the checkpoint and returns the
// sorted names that were not found.
func (m *Model) Fill(dst map[string]*tensor.Tensor) ([]string, error) {
	var missing []string
	for name, t := range dst {
		f, ok := m.Tensors[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if err := f.ReadInto(name, t); err != nil {
			return nil, err
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// LoadCheckpoint fills dst from the checkpoint in dir. The structured
// checkpoint is tried first and must provide every tensor except the
// optional ones, which the caller can derive itself. When it cannot be
// opened or is incomplete, every shard in the directory is scanned and
// whatever is found is loaded. The names still missing are returned.
func LoadCheckpoint(ctx context.Context, dir string, dst map[string]*tensor.Tensor, optional ...string) ([]string, error) {
	log := logger.FromContext(ctx)
	missing, err := loadStrict(dir, dst, optional)
	if err == nil {
		return missing, nil
	}
	log.Warn("structured checkpoint load failed, scanning shards", "dir", dir, "error", err)

	m, err := ScanModel(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()
	missing, err = m.Fill(dst)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		log.Warn("missing tensors after shard scan", "count", len(missing), "names", strings.Join(head(missing, 8), ","))
	}
	return missing, nil
}

func loadStrict(dir string, dst map[string]*tensor.Tensor, optional []string) ([]string, error) {
	m, err := OpenModel(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()
	for name := range dst {
		if _, ok := m.Tensors[name]; !ok && !slices.Contains(optional, name) {
			return nil, fmt.Errorf("%w: %s", ErrIncomplete, name)
		}
	}
	return m.Fill(dst)
}

func head(xs []string, n int) []string {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}
