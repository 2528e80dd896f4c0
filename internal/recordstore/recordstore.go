// Package recordstore tracks one handshake record per token: the address of
// the uploaded artifact and whether the receiver acknowledged it. Every
// implementation applies acknowledgments as a single atomic check-and-set so
// a record can leave the unset state at most once.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/consignd/internal/clock"
	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/pslog"
)

// AckState is the receiver's response to a consignment.
type AckState string

// Handshake states. AckStateAcked and AckStateNacked are terminal.
const (
	AckStateUnset  AckState = "unset"
	AckStateAcked  AckState = "acked"
	AckStateNacked AckState = "nacked"
)

var (
	// ErrNotFound indicates no record exists for the token.
	ErrNotFound = errors.New("recordstore: not found")
	// ErrConflict indicates a record already exists for the token.
	ErrConflict = errors.New("recordstore: record already exists")
	// ErrAlreadyResponded indicates the record already left the unset state.
	ErrAlreadyResponded = errors.New("recordstore: already responded")
	// ErrInvalidToken is returned for empty tokens.
	ErrInvalidToken = errors.New("recordstore: token required")
	// ErrInvalidAckState is returned when SetAckState is asked to set unset or
	// an unknown state.
	ErrInvalidAckState = errors.New("recordstore: invalid ack state")
)

// Record is the persisted handshake state for one token.
type Record struct {
	Token       string   `json:"token"`
	Address     string   `json:"address"`
	AckState    AckState `json:"ack_state"`
	Responded   bool     `json:"responded"`
	CreatedAt   int64    `json:"created_at"`
	RespondedAt int64    `json:"responded_at,omitempty"`
}

// Ack reports whether the receiver acknowledged the consignment.
func (r *Record) Ack() bool { return r.AckState == AckStateAcked }

// Nack reports whether the receiver rejected the consignment.
func (r *Record) Nack() bool { return r.AckState == AckStateNacked }

// Store persists handshake records.
type Store interface {
	// Find returns the record for token or ErrNotFound.
	Find(ctx context.Context, token string) (*Record, error)
	// Create inserts a fresh record in the unset state. It returns
	// ErrConflict when a record already exists for token.
	Create(ctx context.Context, token, address string) (*Record, error)
	// SetAckState moves the record from unset to state. It returns
	// ErrAlreadyResponded when the record already carries a response and
	// ErrNotFound when no record exists.
	SetAckState(ctx context.Context, token string, state AckState) (*Record, error)
	// Close releases resources held by the store.
	Close() error
}

// Options carries dependencies shared by all implementations.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
}

func (o Options) withDefaults(backend string) Options {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	o.Logger = loggingutil.WithSubsystem(o.Logger, loggingutil.Subsystem("storage", "records", backend))
	return o
}

func newRecord(token, address string, now time.Time) *Record {
	return &Record{
		Token:     token,
		Address:   address,
		AckState:  AckStateUnset,
		CreatedAt: now.Unix(),
	}
}

// respond applies state to rec when it has not been responded to yet.
func respond(rec *Record, state AckState, now time.Time) error {
	if rec.Responded || rec.AckState != AckStateUnset {
		return ErrAlreadyResponded
	}
	rec.AckState = state
	rec.Responded = true
	rec.RespondedAt = now.Unix()
	return nil
}

func validateToken(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	return nil
}

func validateAckState(state AckState) error {
	switch state {
	case AckStateAcked, AckStateNacked:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAckState, state)
	}
}

func encodeRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("recordstore: encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("recordstore: decode record: %w", err)
	}
	if rec.AckState == "" {
		rec.AckState = AckStateUnset
	}
	return &rec, nil
}
