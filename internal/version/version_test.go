package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestLdflagsVersionWins(t *testing.T) {
	info := &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v9.9.9"}}
	got := fromBuildInfo(info, " v1.2.3+dirty ")
	if got.Version != "v1.2.3" || got.Module != "example.com/x" {
		t.Fatalf("unexpected info %+v", got)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Main:      debug.Module{Version: "(devel)"},
		GoVersion: "go1.25.2",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(info, "")
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected version %q", got.Version)
	}
	if got.String() != got.Version+"+dirty" {
		t.Fatalf("expected dirty suffix, got %q", got.String())
	}
	if got.Module != defaultModule || got.GoVersion != "go1.25.2" {
		t.Fatalf("unexpected info %+v", got)
	}
}

func TestUnknownWithoutBuildInfo(t *testing.T) {
	if got := fromBuildInfo(nil, ""); got.Version != "v0.0.0-unknown" || got.Dirty {
		t.Fatalf("unexpected info %+v", got)
	}
}
