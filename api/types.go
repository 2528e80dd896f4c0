package api

// Form and field names used by the upload endpoint.
const (
	// FormFieldConsignment is the multipart file field carrying the artifact.
	FormFieldConsignment = "consignment"
	// FormFieldToken is the multipart/JSON field carrying the blinded UTXO.
	FormFieldToken = "blindedutxo"
)

// Error messages returned in Envelope.Error. Clients match on these strings.
const (
	ErrMsgFileMissing      = "Consignment file is missing!"
	ErrMsgTokenMissing     = "blindedutxo missing!"
	ErrMsgAlreadyUploaded  = "File already uploaded!"
	ErrMsgNotFound         = "No consignment found!"
	ErrMsgAlreadyResponded = "Already responded!"
)

// Envelope is the common response body. Every endpoint returns at least
// these fields.
type Envelope struct {
	// Success reports whether the operation completed.
	Success bool `json:"success"`
	// Error carries a human-readable reason on failure. Internal errors omit it.
	Error string `json:"error,omitempty"`
}

// FetchResponse is returned by GET /consignment/{blindedutxo}.
type FetchResponse struct {
	Success bool `json:"success"`
	// Consignment is the stored artifact, standard base64 encoded.
	Consignment string `json:"consignment"`
}

// AckRequest models the JSON payload for POST /ack and POST /nack.
type AckRequest struct {
	// BlindedUTXO is the token identifying the consignment.
	BlindedUTXO string `json:"blindedutxo"`
}

// AckStatusResponse is returned by GET /ack/{blindedutxo}. Both flags are
// false while the receiver has not responded.
type AckStatusResponse struct {
	Success bool `json:"success"`
	Ack     bool `json:"ack"`
	Nack    bool `json:"nack"`
}
