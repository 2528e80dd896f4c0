package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	if got := pseudoFromBuildInfo(info); got != "v0.0.0-20240301102030-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoFromBuildInfo(&debug.BuildInfo{}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "consignd-client/") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
