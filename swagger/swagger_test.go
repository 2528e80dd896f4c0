package swagger

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func annotationValues(t *testing.T, path, annotation string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var values []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "//"))
		if len(fields) < 2 || fields[0] != annotation {
			continue
		}
		for _, v := range strings.Split(strings.Join(fields[1:], ""), ",") {
			if v != "" {
				values = append(values, v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return values
}

func TestEndpointTagsAreDeclared(t *testing.T) {
	declared := make(map[string]bool)
	for _, name := range annotationValues(t, "swagger.go", "@tag.name") {
		declared[name] = true
	}
	handlers, err := filepath.Glob(filepath.Join("..", "internal", "httpapi", "handler_*.go"))
	if err != nil {
		t.Fatalf("glob handlers: %v", err)
	}
	used := make(map[string]bool)
	for _, path := range handlers {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		for _, tag := range annotationValues(t, path, "@Tags") {
			used[tag] = true
			if !declared[tag] {
				t.Errorf("%s: tag %q has no @tag.name declaration", filepath.Base(path), tag)
			}
		}
	}
	if len(used) == 0 {
		t.Fatal("no @Tags annotations found")
	}
	for name := range declared {
		if !used[name] {
			t.Errorf("declared tag %q is not used by any endpoint", name)
		}
	}
}
