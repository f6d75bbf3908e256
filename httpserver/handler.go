package httpserver

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/key-custody-backend/custody"
	"github.com/ruteri/key-custody-backend/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// WalletCreator provisions new wallets.
type WalletCreator interface {
	CreateWallet(ctx context.Context, walletID string, identityHash []byte) (ed25519.PublicKey, error)
}

// Signer signs on behalf of wallets and serves their public keys.
type Signer interface {
	Sign(ctx context.Context, walletID string, caller interfaces.Identity, payload []byte) ([]byte, error)
	PublicKey(ctx context.Context, walletID string) ([]byte, error)
}

// Rotator replaces wallet signing keys.
type Rotator interface {
	Rotate(ctx context.Context, walletID string, caller interfaces.Identity) (*custody.RotationResult, error)
}

// Handler serves the wallet custody API.
type Handler struct {
	creator WalletCreator
	signer  Signer
	rotator Rotator
	log     *slog.Logger
}

func NewHandler(creator WalletCreator, signer Signer, rotator Rotator, log *slog.Logger) *Handler {
	return &Handler{
		creator: creator,
		signer:  signer,
		rotator: rotator,
		log:     log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/wallets/{wallet_id}", h.HandleCreate)
	r.Get("/api/wallets/{wallet_id}/pubkey", h.HandlePublicKey)
	r.Post("/api/wallets/{wallet_id}/sign", h.HandleSign)
	r.Post("/api/wallets/{wallet_id}/rotate", h.HandleRotate)
}

type createRequest struct {
	IdentityHash string `json:"identity_hash"`
}

type walletResponse struct {
	WalletID  string  `json:"wallet_id"`
	PublicKey string  `json:"public_key"`
	RecordID  string  `json:"record_id,omitempty"`
	Counter   *uint64 `json:"counter,omitempty"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCreate provisions a wallet bound to the identity hash in the body.
//
// URL format: POST /api/wallets/{wallet_id}
// Request body: {"identity_hash": "<hex sha256>"}
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet_id")

	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	identityHash, err := hex.DecodeString(strings.TrimPrefix(req.IdentityHash, "0x"))
	if err != nil || len(identityHash) == 0 {
		http.Error(w, "invalid identity hash", http.StatusBadRequest)
		return
	}

	pub, err := h.creator.CreateWallet(r.Context(), walletID, identityHash)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, walletResponse{
		WalletID:  walletID,
		PublicKey: hex.EncodeToString(pub),
	})
}

// HandlePublicKey returns the public key of the wallet's active record.
//
// URL format: GET /api/wallets/{wallet_id}/pubkey
func (h *Handler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet_id")

	pub, err := h.signer.PublicKey(r.Context(), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		WalletID:  walletID,
		PublicKey: hex.EncodeToString(pub),
	})
}

// HandleSign signs the raw request body with the wallet's key.
//
// URL format: POST /api/wallets/{wallet_id}/sign
// Required headers:
//   - Authorization: Bearer <identity token>
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet_id")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}

	sig, err := h.signer.Sign(r.Context(), walletID, bearerIdentity(r), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Signature: hex.EncodeToString(sig)})
}

// HandleRotate replaces the wallet's key and moves ledger ownership to it.
//
// URL format: POST /api/wallets/{wallet_id}/rotate
// Required headers:
//   - Authorization: Bearer <identity token>
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet_id")

	result, err := h.rotator.Rotate(r.Context(), walletID, bearerIdentity(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		WalletID:  walletID,
		PublicKey: hex.EncodeToString(result.NewPublicKey),
		RecordID:  result.RecordID,
		Counter:   &result.Counter,
	})
}

func bearerIdentity(r *http.Request) interfaces.Identity {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return ""
	}
	return interfaces.Identity(strings.TrimSpace(token))
}

// statusFor maps the custody error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrIdentityUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrWalletExists),
		errors.Is(err, interfaces.ErrConcurrentRotationConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrExternalTransitionFailed),
		errors.Is(err, interfaces.ErrRotationUnsettled):
		return http.StatusBadGateway
	case errors.Is(err, interfaces.ErrIntegrityMismatch),
		errors.Is(err, interfaces.ErrInsufficientShares),
		errors.Is(err, interfaces.ErrDecryptionFailed),
		errors.Is(err, interfaces.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the error class only. Provider detail stays in the logs.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err, slog.Int("status", code))
	}
	writeJSON(w, code, errorResponse{Error: interfaces.ErrorClass(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
