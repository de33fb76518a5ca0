// Package calib provides token sequences for calibrating a quantization run.
package calib

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/tensor"
)

// Random names the dataset of seeded uniform tokens.
const Random = "random"

// cacheVersion is the subdirectory of the cache root holding sample files.
const cacheVersion = "qllm_v1"

// ErrDataset is returned for unreadable or unusable token datasets.
var ErrDataset = errors.New("calib: bad dataset")

// Request describes the samples a run needs.
type Request struct {
	// Model names the model the samples are for; it only keys the cache.
	Model string
	// Dataset is Random or the path of a token file.
	Dataset string
	N       int
	Seed    int64
	SeqLen  int
	Vocab   int
}

func (r Request) validate() error {
	if r.N <= 0 || r.SeqLen <= 0 || r.Vocab <= 0 {
		return fmt.Errorf("%w: need positive sample count, length and vocab, got %d/%d/%d", ErrDataset, r.N, r.SeqLen, r.Vocab)
	}
	if r.Dataset == "" {
		return fmt.Errorf("%w: no dataset", ErrDataset)
	}
	return nil
}

// Provider returns calibration samples: N rank-1 tensors of SeqLen token
// ids each.
type Provider interface {
	Samples(ctx context.Context, req Request) ([]*tensor.Tensor, error)
}

// Source is the Provider backed by the random generator and token files,
// with an optional on-disk cache.
type Source struct {
	// CacheDir is the cache root; empty disables caching.
	CacheDir string
	Log      logger.Logger
}

var _ Provider = (*Source)(nil)

type cacheFile struct {
	Dataset string    `json:"dataset"`
	N       int       `json:"n"`
	Seed    int64     `json:"seed"`
	SeqLen  int       `json:"seq_len"`
	Vocab   int       `json:"vocab"`
	Samples [][]int32 `json:"samples"`
}

func (c *cacheFile) matches(r Request) bool {
	return c.Dataset == r.Dataset && c.N == r.N && c.Seed == r.Seed && c.SeqLen == r.SeqLen && c.Vocab == r.Vocab && len(c.Samples) == r.N
}

// CachePath returns the cache file for a model and dataset under root.
func CachePath(root, model, dataset string) string {
	return filepath.Join(root, cacheVersion, cacheKey(model)+"_"+cacheKey(dataset)+"_calib.json")
}

func cacheKey(s string) string {
	if s == "" {
		return "default"
	}
	s = strings.TrimSuffix(filepath.Base(filepath.Clean(s)), filepath.Ext(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}

func (s *Source) Samples(ctx context.Context, req Request) ([]*tensor.Tensor, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	log := s.Log
	if log == nil {
		log = logger.Discard()
	}

	var path string
	if s.CacheDir != "" {
		path = CachePath(s.CacheDir, req.Model, req.Dataset)
		if seqs, ok := readCache(path, req); ok {
			log.Debug("calibration cache hit", "path", path)
			return toTensors(seqs), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		seqs [][]int32
		err  error
	)
	if req.Dataset == Random {
		seqs = randomTokens(req)
	} else {
		seqs, err = fileTokens(req)
		if err != nil {
			return nil, err
		}
	}
	log.Info("calibration samples ready", "dataset", req.Dataset, "n", req.N, "seq_len", req.SeqLen)

	if path != "" {
		if err := writeCache(path, req, seqs); err != nil {
			log.Warn("failed to write calibration cache", "path", path, "err", err)
		}
	}
	return toTensors(seqs), nil
}

func randomTokens(req Request) [][]int32 {
	rng := rand.New(rand.NewPCG(uint64(req.Seed), 0x9e3779b97f4a7c15))
	out := make([][]int32, req.N)
	for i := range out {
		seq := make([]int32, req.SeqLen)
		for j := range seq {
			seq[j] = int32(rng.IntN(req.Vocab))
		}
		out[i] = seq
	}
	return out
}

// fileTokens reads a token stream from req.Dataset and cuts N windows of
// SeqLen tokens at seeded random offsets.
func fileTokens(req Request) ([][]int32, error) {
	raw, err := os.ReadFile(req.Dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataset, err)
	}
	stream, err := ParseTokens(raw)
	if err != nil {
		return nil, err
	}
	if len(stream) < req.SeqLen {
		return nil, fmt.Errorf("%w: %s holds %d tokens, need at least %d", ErrDataset, req.Dataset, len(stream), req.SeqLen)
	}
	for i, tok := range stream {
		if tok < 0 || int(tok) >= req.Vocab {
			return nil, fmt.Errorf("%w: token %d at %d outside vocab of %d", ErrDataset, tok, i, req.Vocab)
		}
	}
	rng := rand.New(rand.NewPCG(uint64(req.Seed), 0x9e3779b97f4a7c15))
	span := len(stream) - req.SeqLen + 1
	out := make([][]int32, req.N)
	for i := range out {
		start := rng.IntN(span)
		out[i] = append([]int32(nil), stream[start:start+req.SeqLen]...)
	}
	return out, nil
}

// ParseTokens reads a JSON array of token arrays, concatenated in order, or
// whitespace separated integers.
func ParseTokens(raw []byte) ([]int32, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var docs [][]int32
		if err := json.Unmarshal([]byte(trimmed), &docs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataset, err)
		}
		var out []int32
		for _, d := range docs {
			out = append(out, d...)
		}
		return out, nil
	}
	fields := strings.Fields(trimmed)
	out := make([]int32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d: %w", ErrDataset, i, err)
		}
		out[i] = int32(v)
	}
	return out, nil
}

func readCache(path string, req Request) ([][]int32, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var c cacheFile
	if err := json.Unmarshal(raw, &c); err != nil || !c.matches(req) {
		return nil, false
	}
	return c.Samples, true
}

func writeCache(path string, req Request, seqs [][]int32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(cacheFile{
		Dataset: req.Dataset,
		N:       req.N,
		Seed:    req.Seed,
		SeqLen:  req.SeqLen,
		Vocab:   req.Vocab,
		Samples: seqs,
	})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func toTensors(seqs [][]int32) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(seqs))
	for i, seq := range seqs {
		t := tensor.New(len(seq))
		for j, tok := range seq {
			t.Data[j] = float32(tok)
		}
		out[i] = t
	}
	return out
}
