package calib

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestRandomDeterministic(t *testing.T) {
	t.Parallel()
	src := &Source{}
	req := Request{Dataset: Random, N: 4, Seed: 7, SeqLen: 9, Vocab: 50}
	a, err := src.Samples(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := src.Samples(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(a))
	}
	for i := range a {
		if a[i].Numel() != 9 || !slices.Equal(a[i].Data, b[i].Data) {
			t.Fatalf("sample %d: expected identical sequences of 9 tokens", i)
		}
		for _, v := range a[i].Data {
			if v < 0 || v >= 50 {
				t.Fatalf("token %v outside vocab", v)
			}
		}
	}
	req.Seed = 8
	c, err := src.Samples(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Equal(a[0].Data, c[0].Data) {
		t.Fatal("expected a different seed to change the samples")
	}
}

func TestParseTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []int32
	}{
		{"json", `[[1, 2, 3], [4], []]`, []int32{1, 2, 3, 4}},
		{"whitespace", "5 6\n7\t8\n", []int32{5, 6, 7, 8}},
		{"empty", "", []int32{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTokens([]byte(tc.in))
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
	if _, err := ParseTokens([]byte("1 two 3")); !errors.Is(err, ErrDataset) {
		t.Fatalf("expected ErrDataset, got %v", err)
	}
}

func TestFileWindows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.txt")
	if err := os.WriteFile(path, []byte("0 1 2 3 4 5 6 7 8 9"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := (&Source{}).Samples(context.Background(), Request{Dataset: path, N: 5, Seed: 3, SeqLen: 4, Vocab: 10})
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range got {
		for j := 1; j < len(s.Data); j++ {
			if s.Data[j] != s.Data[j-1]+1 {
				t.Fatalf("sample %d: expected a contiguous window, got %v", i, s.Data)
			}
		}
	}
}

func TestFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	short := filepath.Join(dir, "short.txt")
	if err := os.WriteFile(short, []byte("1 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	big := filepath.Join(dir, "big.json")
	if err := os.WriteFile(big, []byte("[[1, 2, 300]]"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, req := range []Request{
		{Dataset: short, N: 1, SeqLen: 4, Vocab: 10},
		{Dataset: big, N: 1, SeqLen: 2, Vocab: 10},
		{Dataset: filepath.Join(dir, "missing"), N: 1, SeqLen: 2, Vocab: 10},
		{Dataset: Random, N: 0, SeqLen: 2, Vocab: 10},
	} {
		if _, err := (&Source{}).Samples(context.Background(), req); !errors.Is(err, ErrDataset) {
			t.Fatalf("%s: expected ErrDataset, got %v", req.Dataset, err)
		}
	}
}

func TestCache(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := t.TempDir()
	data := filepath.Join(dir, "wiki.txt")
	if err := os.WriteFile(data, []byte("1 2 3 4 5 6 7 8"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := &Source{CacheDir: root}
	req := Request{Model: "/models/tiny-llama", Dataset: data, N: 3, Seed: 1, SeqLen: 3, Vocab: 16}
	first, err := src.Samples(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	path := CachePath(root, req.Model, req.Dataset)
	if filepath.Base(path) != "tiny-llama_wiki_calib.json" {
		t.Fatalf("unexpected cache file name %s", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file: %v", err)
	}

	// The cache answers even when the source is gone.
	if err := os.Remove(data); err != nil {
		t.Fatal(err)
	}
	again, err := src.Samples(context.Background(), req)
	if err != nil {
		t.Fatalf("expected a cache hit, got %v", err)
	}
	for i := range first {
		if !slices.Equal(first[i].Data, again[i].Data) {
			t.Fatalf("sample %d differs after cache reload", i)
		}
	}

	// A different request misses and falls through to the missing file.
	req.N = 4
	if _, err := src.Samples(context.Background(), req); !errors.Is(err, ErrDataset) {
		t.Fatalf("expected a cache miss, got %v", err)
	}
}

func TestCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Source{}).Samples(ctx, Request{Dataset: Random, N: 1, SeqLen: 1, Vocab: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
