// Package client is the Go SDK for the consignd handshake API.
//
// A sender uploads a consignment for a blinded UTXO, the receiver fetches it
// and answers once:
//
//	cli, err := client.New("http://127.0.0.1:8000")
//	if err != nil { log.Fatal(err) }
//	if err := cli.UploadFile(ctx, "utxob:abc", "transfer.rgb"); err != nil {
//	    if client.IsAlreadyUploaded(err) { ... }
//	}
//	data, err := cli.Fetch(ctx, "utxob:abc")
//	if err := cli.Ack(ctx, "utxob:abc"); client.IsAlreadyResponded(err) { ... }
//
// Non-2xx answers are returned as *APIError. Requests carry the correlation
// id stored with WithCorrelationID as X-Correlation-Id.
package client
