package inprocess_test

import (
	"bytes"
	"context"
	"testing"

	"pkt.systems/consignd"
	consigndclient "pkt.systems/consignd/client"
	"pkt.systems/consignd/client/inprocess"
)

func TestNewRejectsNonUnixSockets(t *testing.T) {
	t.Parallel()

	cfg := consignd.Config{
		ListenProto: "tcp",
		Store:       "mem://",
	}
	cli, err := inprocess.New(context.Background(), cfg)
	if err == nil {
		_ = cli.Close(context.Background())
		t.Fatal("expected error when ListenProto is not unix")
	}
}

func TestNewRunsServerAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inproc, err := inprocess.New(ctx, consignd.Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte("inprocess consignment")
	if err := inproc.Upload(ctx, "utxob:inproc", bytes.NewReader(payload), "c.rgb"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := inproc.Fetch(ctx, "utxob:inproc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("unexpected payload %q", got)
	}
	if err := inproc.Nack(ctx, "utxob:inproc"); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if err := inproc.Ack(ctx, "utxob:inproc"); !consigndclient.IsAlreadyResponded(err) {
		t.Fatalf("expected already responded, got %v", err)
	}
	status, err := inproc.AckStatus(ctx, "utxob:inproc")
	if err != nil {
		t.Fatalf("AckStatus: %v", err)
	}
	if status.Ack || !status.Nack {
		t.Fatalf("expected nacked, got %+v", status)
	}

	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close first call: %v", err)
	}
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close second call: %v", err)
	}
}
