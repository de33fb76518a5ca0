package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.26.0",
			Main:      debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	info := resolve(read)
	if info.Version != devVersion {
		t.Fatalf("expected %q, got %q", devVersion, info.Version)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" || info.GoVersion != "go1.26.0" {
		t.Fatalf("unexpected build settings %+v", info)
	}
	if got := info.String(); got != "dev (0123456789ab-dirty)" {
		t.Fatalf("expected dev (0123456789ab-dirty), got %q", got)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	info := resolve(func() (*debug.BuildInfo, bool) { return nil, false })
	if info.Version != devVersion || info.String() != devVersion {
		t.Fatalf("expected %q, got %+v", devVersion, info)
	}
}
