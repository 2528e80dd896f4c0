package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderEmbedsCompactSpec(t *testing.T) {
	spec := []byte("{\n  \"swagger\": \"2.0\",\n  \"info\": {\"title\": \"consignd API\"}\n}\n")
	var out bytes.Buffer
	if err := render(&out, "consignd <docs>", spec); err != nil {
		t.Fatalf("render: %v", err)
	}
	html := out.String()
	if !strings.Contains(html, `{"swagger":"2.0","info":{"title":"consignd API"}}`) {
		t.Fatalf("compact spec missing from output:\n%s", html)
	}
	if !strings.Contains(html, "<title>consignd &lt;docs&gt;</title>") {
		t.Fatalf("title not escaped:\n%s", html)
	}
}

func TestRenderRejectsInvalidJSON(t *testing.T) {
	var out bytes.Buffer
	if err := render(&out, "x", []byte("{not json")); err == nil {
		t.Fatalf("expected compact error")
	}
}
