package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestVerifyStoreCommandDisk(t *testing.T) {
	t.Setenv("CONSIGND_CONFIG_DIR", t.TempDir())
	root := filepath.Join(t.TempDir(), "store")
	t.Setenv("CONSIGND_STORE", "disk://"+filepath.ToSlash(root))
	stdout, _, err := executeRootCommand(t, "verify", "store")
	if err != nil {
		t.Fatalf("verify store: %v\n%s", err, stdout)
	}
	for _, want := range []string{"Provider: disk", "Path: " + root, "✔ RejectDuplicateCreate", "Storage verification succeeded."} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestVerifyStoreCommandInvalidConfig(t *testing.T) {
	t.Setenv("CONSIGND_CONFIG_DIR", t.TempDir())
	t.Setenv("CONSIGND_STORE", "ftp://example.com/x")
	if _, _, err := executeRootCommand(t, "verify", "store"); err == nil {
		t.Fatalf("expected invalid store error")
	}
}

func TestRedactStore(t *testing.T) {
	if got := redactStore("azure://acct/c?sas=secret"); got != "azure://acct/c" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := redactStore("mem://"); got != "mem://" {
		t.Fatalf("unexpected redaction %q", got)
	}
}
