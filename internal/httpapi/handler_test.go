package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/consignd/api"
	"pkt.systems/consignd/internal/contentstore"
	"pkt.systems/consignd/internal/correlation"
	"pkt.systems/consignd/internal/recordstore"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/consignd/internal/storage/disk"
	"pkt.systems/consignd/internal/storage/memory"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	server  *httptest.Server
	backend storage.Backend
	content *contentstore.Store
	records recordstore.Store
	logs    *syncBuffer
	ready   atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, memory.New())
}

func newTestEnvOn(t *testing.T, backend storage.Backend) *testEnv {
	t.Helper()
	env := &testEnv{backend: backend, logs: &syncBuffer{}}
	env.ready.Store(true)
	content, err := contentstore.New(contentstore.Config{
		Backend:    env.backend,
		StagingDir: filepath.Join(t.TempDir(), "staging"),
	})
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	records, err := recordstore.NewObjectStore(env.backend, recordstore.Options{})
	if err != nil {
		t.Fatalf("record store: %v", err)
	}
	env.content = content
	env.records = records
	logger := pslog.NewStructured(env.logs)
	handler := New(Config{
		Content: content,
		Records: records,
		Logger:  logger,
		Ready:   env.ready.Load,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) upload(t *testing.T, token string, file []byte) (int, api.Envelope) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if token != "" {
		if err := mw.WriteField(api.FormFieldToken, token); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile(api.FormFieldConsignment, "consignment.rgb")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(file); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/consignment", &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var env api.Envelope
	status := e.do(t, req, &env)
	return status, env
}

func (e *testEnv) respond(t *testing.T, path, token string) (int, api.Envelope) {
	t.Helper()
	payload, _ := json.Marshal(api.AckRequest{BlindedUTXO: token})
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var env api.Envelope
	status := e.do(t, req, &env)
	return status, env
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return e.do(t, req, out)
}

func (e *testEnv) do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Errorf("do %s %s: %v", req.Method, req.URL.Path, err)
		return 0
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read body: %v", err)
		return resp.StatusCode
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Errorf("decode %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.content.StagingDir())
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", len(entries))
	}
}

func expectEnvelope(t *testing.T, status int, env api.Envelope, wantStatus int, wantError string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("expected status %d, got %d (%+v)", wantStatus, status, env)
	}
	if env.Success != (wantStatus == http.StatusOK) {
		t.Fatalf("unexpected success flag in %+v", env)
	}
	if env.Error != wantError {
		t.Fatalf("expected error %q, got %q", wantError, env.Error)
	}
}

func TestHandshakeScenario(t *testing.T) {
	env := newTestEnv(t)
	file := []byte("consignment F")

	status, resp := env.upload(t, "abc", file)
	expectEnvelope(t, status, resp, http.StatusOK, "")

	var fetched api.FetchResponse
	if status := env.get(t, "/consignment/abc", &fetched); status != http.StatusOK {
		t.Fatalf("expected fetch 200, got %d", status)
	}
	decoded, err := base64.StdEncoding.DecodeString(fetched.Consignment)
	if err != nil || !fetched.Success || !bytes.Equal(decoded, file) {
		t.Fatalf("fetch mismatch: %+v %v", fetched, err)
	}

	var ackStatus api.AckStatusResponse
	if status := env.get(t, "/ack/abc", &ackStatus); status != http.StatusOK || ackStatus.Ack || ackStatus.Nack || !ackStatus.Success {
		t.Fatalf("expected unset ack status, got %d %+v", status, ackStatus)
	}

	status, resp = env.respond(t, "/ack", "abc")
	expectEnvelope(t, status, resp, http.StatusOK, "")
	status, resp = env.respond(t, "/nack", "abc")
	expectEnvelope(t, status, resp, http.StatusForbidden, api.ErrMsgAlreadyResponded)
	status, resp = env.respond(t, "/ack", "abc")
	expectEnvelope(t, status, resp, http.StatusForbidden, api.ErrMsgAlreadyResponded)

	ackStatus = api.AckStatusResponse{}
	if status := env.get(t, "/ack/abc", &ackStatus); status != http.StatusOK {
		t.Fatalf("expected ack status 200, got %d", status)
	}
	if !ackStatus.Success || !ackStatus.Ack || ackStatus.Nack {
		t.Fatalf("unexpected ack status %+v", ackStatus)
	}
	env.assertStagingEmpty(t)
}

func TestNackThenQuery(t *testing.T) {
	env := newTestEnv(t)
	if status, resp := env.upload(t, "tok", []byte("bytes")); status != http.StatusOK {
		t.Fatalf("upload failed: %d %+v", status, resp)
	}
	form := url.Values{api.FormFieldToken: {"tok"}}
	resp, err := http.Post(env.server.URL+"/nack", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected form nack 200, got %d", resp.StatusCode)
	}
	var ackStatus api.AckStatusResponse
	env.get(t, "/ack/tok", &ackStatus)
	if ackStatus.Ack || !ackStatus.Nack {
		t.Fatalf("expected nack, got %+v", ackStatus)
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)

	status, resp := env.upload(t, "abc", nil)
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgFileMissing)

	status, resp = env.upload(t, "", []byte("data"))
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgTokenMissing)

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/consignment", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	var envelope api.Envelope
	status = env.do(t, req, &envelope)
	expectEnvelope(t, status, envelope, http.StatusBadRequest, api.ErrMsgFileMissing)

	env.assertStagingEmpty(t)
}

func TestUploadParseFailures(t *testing.T) {
	env := newTestEnv(t)
	post := func(contentType, body string) (int, api.Envelope) {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/consignment", strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", contentType)
		var envelope api.Envelope
		return env.do(t, req, &envelope), envelope
	}

	status, resp := post("multipart/form-data", "irrelevant")
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgFileMissing)

	truncated := "--xyz\r\nContent-Disposition: form-data; name=\"consignment\"; filename=\"c\"\r\n\r\npartial"
	status, resp = post("multipart/form-data; boundary=xyz", truncated)
	expectEnvelope(t, status, resp, http.StatusInternalServerError, "")

	env.assertStagingEmpty(t)
}

func TestUploadParseErrorClassification(t *testing.T) {
	for _, err := range []error{http.ErrNotMultipart, http.ErrMissingBoundary} {
		if got := uploadParseError(err); !errors.Is(got, errFileMissing) {
			t.Fatalf("%v: expected errFileMissing, got %v", err, got)
		}
	}
	spill := &os.PathError{Op: "open", Path: "/nonexistent/multipart-1", Err: os.ErrNotExist}
	got := uploadParseError(spill)
	if errors.Is(got, errFileMissing) {
		t.Fatalf("spill failure mapped to a client error: %v", got)
	}
	if !errors.Is(got, os.ErrNotExist) {
		t.Fatalf("expected wrapped cause, got %v", got)
	}
}

func TestDuplicateContentIsRejectedForAnyToken(t *testing.T) {
	env := newTestEnv(t)
	file := []byte("shared payload")
	if status, _ := env.upload(t, "first", file); status != http.StatusOK {
		t.Fatalf("first upload failed: %d", status)
	}
	status, resp := env.upload(t, "first", file)
	expectEnvelope(t, status, resp, http.StatusForbidden, api.ErrMsgAlreadyUploaded)

	// Deduplication is keyed on content, so a fresh token carrying the same
	// bytes is rejected and never gets a record.
	status, resp = env.upload(t, "second", file)
	expectEnvelope(t, status, resp, http.StatusForbidden, api.ErrMsgAlreadyUploaded)
	var fetched api.Envelope
	if status := env.get(t, "/consignment/second", &fetched); status != http.StatusNotFound {
		t.Fatalf("expected no record for second token, got %d", status)
	}

	list, err := env.backend.ListObjects(context.Background(), storage.ListOptions{Prefix: contentstore.KeyPrefix})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 1 {
		t.Fatalf("expected one stored artifact, got %d", len(list.Objects))
	}
	env.assertStagingEmpty(t)
}

func TestTokenReuseWithDifferentContentIsInternalError(t *testing.T) {
	env := newTestEnv(t)
	if status, _ := env.upload(t, "abc", []byte("one")); status != http.StatusOK {
		t.Fatalf("first upload failed: %d", status)
	}
	status, resp := env.upload(t, "abc", []byte("two"))
	expectEnvelope(t, status, resp, http.StatusInternalServerError, "")
	if !strings.Contains(env.logs.String(), "http.request.internal_error") {
		t.Fatalf("expected internal error to be logged, logs: %s", env.logs.String())
	}

	var fetched api.FetchResponse
	env.get(t, "/consignment/abc", &fetched)
	decoded, _ := base64.StdEncoding.DecodeString(fetched.Consignment)
	if string(decoded) != "one" {
		t.Fatalf("original artifact must stay attached, got %q", decoded)
	}
	env.assertStagingEmpty(t)
}

func TestNotFoundAndMissingToken(t *testing.T) {
	env := newTestEnv(t)
	var resp api.Envelope
	status := env.get(t, "/consignment/doesnotexist", &resp)
	expectEnvelope(t, status, resp, http.StatusNotFound, api.ErrMsgNotFound)

	resp = api.Envelope{}
	status = env.get(t, "/ack/doesnotexist", &resp)
	expectEnvelope(t, status, resp, http.StatusNotFound, api.ErrMsgNotFound)

	status, resp = env.respond(t, "/ack", "doesnotexist")
	expectEnvelope(t, status, resp, http.StatusNotFound, api.ErrMsgNotFound)

	status, resp = env.respond(t, "/nack", "")
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgTokenMissing)

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/ack", strings.NewReader("not json"))
	resp = api.Envelope{}
	status = env.do(t, req, &resp)
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgTokenMissing)

	resp = api.Envelope{}
	status = env.get(t, "/consignment/", &resp)
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgTokenMissing)

	resp = api.Envelope{}
	status = env.get(t, "/ack/", &resp)
	expectEnvelope(t, status, resp, http.StatusBadRequest, api.ErrMsgTokenMissing)
}

func TestFetchMissingArtifactIsInternalError(t *testing.T) {
	env := newTestEnv(t)
	if status, _ := env.upload(t, "abc", []byte("payload")); status != http.StatusOK {
		t.Fatalf("upload failed: %d", status)
	}
	rec, err := env.records.Find(context.Background(), "abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := env.backend.DeleteObject(context.Background(), contentstore.Key(rec.Address), storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete artifact: %v", err)
	}
	var resp api.Envelope
	status := env.get(t, "/consignment/abc", &resp)
	expectEnvelope(t, status, resp, http.StatusInternalServerError, "")
	if !strings.Contains(env.logs.String(), "fetch.integrity_violation") {
		t.Fatalf("expected integrity violation log")
	}
}

func TestConcurrentAckAndNack(t *testing.T) {
	raceAckAndNack(t, newTestEnv(t), 10, 2)
}

func TestConcurrentAckAndNackOnDisk(t *testing.T) {
	backend, err := disk.New(disk.Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	rounds := 300
	if testing.Short() {
		rounds = 30
	}
	raceAckAndNack(t, newTestEnvOn(t, backend), rounds, 8)
}

// raceAckAndNack uploads a fresh token per round and fires responders
// alternating between /ack and /nack; exactly one may win.
func raceAckAndNack(t *testing.T, env *testEnv, rounds, responders int) {
	t.Helper()
	for round := 0; round < rounds; round++ {
		token := fmt.Sprintf("race-%d", round)
		if status, _ := env.upload(t, token, []byte("payload for "+token)); status != http.StatusOK {
			t.Fatalf("upload %s failed: %d", token, status)
		}
		var wg sync.WaitGroup
		statuses := make([]int, responders)
		for i := 0; i < responders; i++ {
			path := "/ack"
			if i%2 == 1 {
				path = "/nack"
			}
			wg.Add(1)
			go func(i int, path string) {
				defer wg.Done()
				statuses[i], _ = env.respond(t, path, token)
			}(i, path)
		}
		wg.Wait()
		ok, forbidden, winner := 0, 0, -1
		for i, status := range statuses {
			switch status {
			case http.StatusOK:
				ok++
				winner = i
			case http.StatusForbidden:
				forbidden++
			}
		}
		if ok != 1 || forbidden != responders-1 {
			t.Fatalf("round %d: expected one 200 and %d 403, got %v", round, responders-1, statuses)
		}
		var ackStatus api.AckStatusResponse
		env.get(t, "/ack/"+token, &ackStatus)
		if ackStatus.Ack == ackStatus.Nack {
			t.Fatalf("round %d: exactly one of ack/nack must be set: %+v", round, ackStatus)
		}
		if ackStatus.Ack != (winner%2 == 0) {
			t.Fatalf("round %d: stored state disagrees with winner: %+v %v", round, ackStatus, statuses)
		}
	}
}

func TestConcurrentIdenticalUploads(t *testing.T) {
	env := newTestEnv(t)
	file := []byte("raced payload")
	const uploaders = 6
	statuses := make([]int, uploaders)
	var wg sync.WaitGroup
	for i := 0; i < uploaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = env.upload(t, "tok-"+string(rune('a'+i)), file)
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, status := range statuses {
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusForbidden:
		default:
			t.Fatalf("unexpected status %d in %v", status, statuses)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one accepted upload, got %v", statuses)
	}
	env.assertStagingEmpty(t)
}

func TestCorrelationHeaders(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	req.Header.Set(correlation.HeaderCorrelationID, "client-corr-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.HeaderCorrelationID); got != "client-corr-1" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	if resp.Header.Get(correlation.HeaderRequestID) == "" {
		t.Fatalf("expected request id header")
	}

	resp, err = http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(correlation.HeaderCorrelationID) == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)
	var resp api.Envelope
	if status := env.get(t, "/healthz", &resp); status != http.StatusOK || !resp.Success {
		t.Fatalf("healthz: %d %+v", status, resp)
	}
	env.ready.Store(false)
	resp = api.Envelope{}
	if status := env.get(t, "/readyz", &resp); status != http.StatusServiceUnavailable || resp.Success {
		t.Fatalf("expected readyz 503, got %d %+v", status, resp)
	}
	env.ready.Store(true)
	resp = api.Envelope{}
	if status := env.get(t, "/readyz", &resp); status != http.StatusOK || !resp.Success {
		t.Fatalf("expected readyz 200, got %d %+v", status, resp)
	}
}

type failingRecords struct {
	recordstore.Store
}

func (failingRecords) Find(context.Context, string) (*recordstore.Record, error) {
	return nil, errors.New("records offline")
}

func TestRecordStoreFailureIsInternalError(t *testing.T) {
	env := newTestEnv(t)
	handler := New(Config{Content: env.content, Records: failingRecords{env.records}, Logger: pslog.NewStructured(env.logs)})
	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ack/abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var envelope api.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError || envelope.Success || envelope.Error != "" {
		t.Fatalf("expected bare 500, got %d %+v", resp.StatusCode, envelope)
	}
}

func TestRouterSysAndOutcome(t *testing.T) {
	if got := routerSys("ack_status"); got != "api.http.ack.status" {
		t.Fatalf("unexpected sys %q", got)
	}
	cases := map[int]string{200: "ok", 400: "invalid", 403: "rejected", 404: "not_found", 405: "client_error", 500: "error", 503: "unavailable"}
	for status, want := range cases {
		if got := outcomeLabel(status); got != want {
			t.Fatalf("outcomeLabel(%d) = %q, want %q", status, got, want)
		}
	}
}
