package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"pkt.systems/consignd/api"
	"pkt.systems/consignd/internal/contentstore"
	"pkt.systems/consignd/internal/recordstore"
	"pkt.systems/pslog"
)

// uploadParseError maps a ParseMultipartForm failure. A request that is not
// multipart at all carries no file; anything else is a server-side failure.
func uploadParseError(err error) error {
	if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
		return errFileMissing
	}
	return fmt.Errorf("parse multipart form: %w", err)
}

// handleUpload godoc
// @Summary      Upload a consignment
// @Description  Stores the consignment file for a blinded UTXO. Artifacts are deduplicated by content hash: bytes that were already uploaded (under any token) are rejected with 403.
// @Tags         consignment
// @Accept       mpfd
// @Produce      json
// @Param        consignment  formData  file    true  "Consignment file"
// @Param        blindedutxo  formData  string  true  "Blinded UTXO the consignment is addressed to"
// @Success      200  {object}  api.Envelope
// @Failure      400  {object}  api.Envelope
// @Failure      403  {object}  api.Envelope
// @Failure      500  {object}  api.Envelope
// @Router       /consignment [post]
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx)
	if err := r.ParseMultipartForm(h.multipartMemory); err != nil {
		logger.Debug("upload.parse_failed", "error", err)
		return uploadParseError(err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(api.FormFieldConsignment)
	if err != nil {
		return errFileMissing
	}
	defer file.Close()
	token := r.PostFormValue(api.FormFieldToken)
	if token == "" {
		return errTokenMissing
	}
	logger = logger.With("token", token)

	staged, err := h.content.Stage(ctx, file)
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	defer staged.Close()
	address := staged.Address()
	logger.Debug("upload.staged", "address", address, "size", staged.Size(), "filename", header.Filename)

	exists, err := h.content.Exists(ctx, address)
	if err != nil {
		return err
	}
	if exists {
		return errAlreadyUploaded
	}
	if rec, err := h.records.Find(ctx, token); err == nil {
		return fmt.Errorf("token %q already recorded with artifact %s, upload %s", token, rec.Address, address)
	} else if !errors.Is(err, recordstore.ErrNotFound) {
		return err
	}

	result, err := h.content.Promote(ctx, staged)
	if err != nil {
		return err
	}
	if result == contentstore.PromoteAlreadyExists {
		return errAlreadyUploaded
	}
	if _, err := h.records.Create(ctx, token, address); err != nil {
		if errors.Is(err, recordstore.ErrConflict) {
			return fmt.Errorf("token %q recorded concurrently, artifact %s left unreferenced: %w", token, address, err)
		}
		return err
	}
	logger.Info("upload.stored", "address", address, "size", staged.Size())
	h.writeJSON(w, http.StatusOK, api.Envelope{Success: true})
	return nil
}

// handleFetch godoc
// @Summary      Fetch a consignment
// @Description  Returns the consignment stored for the blinded UTXO, base64 encoded.
// @Tags         consignment
// @Produce      json
// @Param        blindedutxo  path  string  true  "Blinded UTXO"
// @Success      200  {object}  api.FetchResponse
// @Failure      400  {object}  api.Envelope
// @Failure      404  {object}  api.Envelope
// @Failure      500  {object}  api.Envelope
// @Router       /consignment/{blindedutxo} [get]
func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rec, err := h.findRecord(r, r.PathValue("blindedutxo"))
	if err != nil {
		return err
	}
	data, err := h.content.Read(ctx, rec.Address)
	if err != nil {
		if errors.Is(err, contentstore.ErrNotFound) {
			pslog.LoggerFromContext(ctx).Error("fetch.integrity_violation", "token", rec.Token, "address", rec.Address)
		}
		return fmt.Errorf("read artifact for %q: %w", rec.Token, err)
	}
	h.writeJSON(w, http.StatusOK, api.FetchResponse{
		Success:     true,
		Consignment: base64.StdEncoding.EncodeToString(data),
	})
	return nil
}

// handleAck godoc
// @Summary      Acknowledge a consignment
// @Description  Records a positive response for the blinded UTXO. A consignment can be answered once; later ack or nack requests are rejected with 403.
// @Tags         handshake
// @Accept       json
// @Produce      json
// @Param        request  body  api.AckRequest  true  "Blinded UTXO to acknowledge"
// @Success      200  {object}  api.Envelope
// @Failure      400  {object}  api.Envelope
// @Failure      403  {object}  api.Envelope
// @Failure      404  {object}  api.Envelope
// @Failure      500  {object}  api.Envelope
// @Router       /ack [post]
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) error {
	return h.respond(w, r, recordstore.AckStateAcked)
}

// handleNack godoc
// @Summary      Reject a consignment
// @Description  Records a negative response for the blinded UTXO. A consignment can be answered once; later ack or nack requests are rejected with 403.
// @Tags         handshake
// @Accept       json
// @Produce      json
// @Param        request  body  api.AckRequest  true  "Blinded UTXO to reject"
// @Success      200  {object}  api.Envelope
// @Failure      400  {object}  api.Envelope
// @Failure      403  {object}  api.Envelope
// @Failure      404  {object}  api.Envelope
// @Failure      500  {object}  api.Envelope
// @Router       /nack [post]
func (h *Handler) handleNack(w http.ResponseWriter, r *http.Request) error {
	return h.respond(w, r, recordstore.AckStateNacked)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, state recordstore.AckState) error {
	ctx := r.Context()
	token, err := ackToken(r)
	if err != nil {
		pslog.LoggerFromContext(ctx).Debug("ack.decode_failed", "error", err)
		return errTokenMissing
	}
	rec, err := h.findRecord(r, token)
	if err != nil {
		return err
	}
	if rec.Responded {
		return errAlreadyResponded
	}
	if _, err := h.records.SetAckState(ctx, token, state); err != nil {
		switch {
		case errors.Is(err, recordstore.ErrAlreadyResponded):
			return errAlreadyResponded
		case errors.Is(err, recordstore.ErrNotFound):
			return errNotFound
		}
		return err
	}
	pslog.LoggerFromContext(ctx).Info("handshake.responded", "token", token, "state", string(state))
	h.writeJSON(w, http.StatusOK, api.Envelope{Success: true})
	return nil
}

// ackToken extracts the token from a JSON body, or from a urlencoded form.
func ackToken(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return "", err
		}
		token := r.PostForm.Get(api.FormFieldToken)
		if token == "" {
			return "", errors.New("empty token")
		}
		return token, nil
	}
	var req api.AckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, ackBodyLimit)).Decode(&req); err != nil {
		return "", err
	}
	if req.BlindedUTXO == "" {
		return "", errors.New("empty token")
	}
	return req.BlindedUTXO, nil
}

// handleAckStatus godoc
// @Summary      Query the handshake state
// @Description  Reports whether the receiver acknowledged or rejected the consignment. Both flags are false until a response is recorded.
// @Tags         handshake
// @Produce      json
// @Param        blindedutxo  path  string  true  "Blinded UTXO"
// @Success      200  {object}  api.AckStatusResponse
// @Failure      400  {object}  api.Envelope
// @Failure      404  {object}  api.Envelope
// @Failure      500  {object}  api.Envelope
// @Router       /ack/{blindedutxo} [get]
func (h *Handler) handleAckStatus(w http.ResponseWriter, r *http.Request) error {
	rec, err := h.findRecord(r, r.PathValue("blindedutxo"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.AckStatusResponse{
		Success: true,
		Ack:     rec.Ack(),
		Nack:    rec.Nack(),
	})
	return nil
}

func (h *Handler) findRecord(r *http.Request, token string) (*recordstore.Record, error) {
	if token == "" {
		return nil, errTokenMissing
	}
	rec, err := h.records.Find(r.Context(), token)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, errNotFound
		}
		return nil, err
	}
	return rec, nil
}

// handleHealth godoc
// @Summary      Liveness check
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.Envelope
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.Envelope{Success: true})
	return nil
}

// handleReady godoc
// @Summary      Readiness check
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.Envelope
// @Failure      503  {object}  api.Envelope
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Message: "not ready"}
	}
	h.writeJSON(w, http.StatusOK, api.Envelope{Success: true})
	return nil
}
