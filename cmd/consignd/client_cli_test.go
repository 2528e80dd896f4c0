package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/consignd"
	"pkt.systems/consignd/api"
)

func TestClientCommandsRoundTrip(t *testing.T) {
	ts := consignd.StartTestServer(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "transfer.rgb")
	payload := []byte("cli consignment payload")
	if err := os.WriteFile(input, payload, 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	const token = "utxob:cli-test"

	stdout, _, err := executeRootCommand(t, "client", "-s", ts.URL(), "upload", token, input)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(stdout, token) {
		t.Fatalf("unexpected upload output %q", stdout)
	}

	output := filepath.Join(dir, "out", "fetched.rgb")
	if _, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "fetch", token, "-o", output); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read fetched: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("fetched payload mismatch %q", got)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", ts.URL(), "fetch", token)
	if err != nil {
		t.Fatalf("fetch stdout: %v", err)
	}
	if stdout != string(payload) {
		t.Fatalf("unexpected stdout payload %q", stdout)
	}

	if _, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "nack", token); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if _, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "ack", token); err == nil {
		t.Fatalf("expected ack after nack to fail")
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", ts.URL(), "status", token)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status api.AckStatusResponse
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("decode status %q: %v", stdout, err)
	}
	if !status.Success || status.Ack || !status.Nack {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestClientUploadFromStdinAndEnvServer(t *testing.T) {
	ts := consignd.StartTestServer(t)
	t.Setenv("CONSIGND_CLIENT_SERVER", ts.URL())
	t.Setenv("CONSIGND_CLIENT_CORRELATION_ID", "cli-corr-1")

	_, _, err := executeRootCommandWithInput(t, strings.NewReader("stdin payload"), "client", "upload", "utxob:stdin", "-")
	if err != nil {
		t.Fatalf("upload from stdin: %v", err)
	}
	data, err := ts.Client.Fetch(t.Context(), "utxob:stdin")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "stdin payload" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestClientCommandErrors(t *testing.T) {
	ts := consignd.StartTestServer(t)
	if _, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "fetch", "utxob:missing"); err == nil || !strings.Contains(err.Error(), api.ErrMsgNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "--log-level", "loud", "status", "x"); err == nil {
		t.Fatalf("expected invalid log level error")
	}
	if _, _, err := executeRootCommand(t, "client", "--server", "localhost:8000", "status", "x"); err == nil {
		t.Fatalf("expected invalid server URL error")
	}
	if _, _, err := executeRootCommand(t, "client", "upload", "only-token"); err == nil {
		t.Fatalf("expected argument count error")
	}
}
