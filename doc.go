// Package consignd exposes the Go APIs behind the consignment handshake
// service: a small HTTP server where a sender uploads a file artifact for a
// receiver-supplied token (the blinded UTXO), the receiver fetches it, and then
// answers once with an ack or a nack.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen` (default `:8000`).
//
//	cfg := consignd.Config{
//	    Store:  "disk:///var/lib/consignd",
//	    Listen: ":8000",
//	}
//	srv, err := consignd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("consignd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// `StartServer` launches the server in a goroutine, waits until the listener is
// bound, and returns a stop function. Cancelling the supplied context stops
// the server as well.
//
// # HTTP API
//
//   - `POST /consignment` multipart upload with the `consignment` file part
//     and the `blindedutxo` field
//   - `GET /consignment/{blindedutxo}` returns the file base64 encoded
//   - `POST /ack` and `POST /nack` with `{"blindedutxo": "..."}`
//   - `GET /ack/{blindedutxo}` reports `ack` and `nack`
//   - `GET /healthz` and `GET /readyz`
//
// Every response carries the `{"success": bool}` envelope. Failures add an
// `error` message for client errors (400, 403, 404); internal errors return a
// bare `{"success": false}` with status 500 and are logged.
//
// Artifacts are content addressed. Bytes that were already uploaded, under any
// token, are rejected with 403 "File already uploaded!". A token can be
// answered exactly once; concurrent ack and nack requests race on an atomic
// conditional update and the loser receives 403 "Already responded!".
//
// # Storage
//
// Configure the object backend via `Config.Store`:
//
//   - `mem://` in-memory (tests and local experimentation)
//   - `disk:///var/lib/consignd` local filesystem (the default, under `$HOME/.consignd/data`)
//   - `s3://host:port/bucket/prefix` MinIO or other S3-compatible stores (TLS on unless `?insecure=1`)
//   - `aws://bucket/prefix` AWS S3 through the AWS SDK (requires a region)
//   - `azure://account/container/prefix` Azure Blob Storage (Shared Key or SAS auth)
//
// Artifacts live under `consignments/<hash>` and, with the default record
// store, handshake records under `records/<token>`. `Config.Records` moves the
// records to an embedded LevelDB (`leveldb:///var/lib/consignd/records`) or to
// Redis (`redis://host:6379/0`). `Config.Hash` selects `sha256` (default) or
// `blake3` addressing.
//
// # Client SDK
//
// The Go client (`pkt.systems/consignd/client`) wraps the HTTP API:
//
//	cli, err := client.New("http://127.0.0.1:8000")
//	if err != nil { log.Fatal(err) }
//	if err := cli.Upload(ctx, "utxob:abc", bytes.NewReader(data), "transfer.rgb"); err != nil { log.Fatal(err) }
//	payload, err := cli.Fetch(ctx, "utxob:abc")
//	if err := cli.Ack(ctx, "utxob:abc"); err != nil { log.Fatal(err) }
//
// Errors from the server surface as `*client.APIError` carrying the HTTP
// status and the decoded envelope.
package consignd
