package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flexstake/flexstake-backend/internal/calc"
	"github.com/flexstake/flexstake-backend/internal/config"
	"github.com/flexstake/flexstake-backend/internal/engine"
	"github.com/flexstake/flexstake-backend/internal/gate"
	"github.com/flexstake/flexstake-backend/internal/metrics"
	"github.com/flexstake/flexstake-backend/internal/repository"
	"github.com/flexstake/flexstake-backend/internal/store"
	"github.com/flexstake/flexstake-backend/internal/token"
	"github.com/flexstake/flexstake-backend/internal/ws"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

type Handler struct {
	engine     *engine.Engine
	cache      *store.Cache
	repo       *repository.Repository // optional; events fall back to the cache ring
	wsHub      *ws.Hub
	sseHandler *ws.SSEHandler
	config     *config.Config
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics

	// flight collapses concurrent cache-miss rebuilds of the same view.
	flight singleflight.Group
}

func NewHandler(
	eng *engine.Engine,
	cache *store.Cache,
	repo *repository.Repository,
	wsHub *ws.Hub,
	sseHandler *ws.SSEHandler,
	cfg *config.Config,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		engine:     eng,
		cache:      cache,
		repo:       repo,
		wsHub:      wsHub,
		sseHandler: sseHandler,
		config:     cfg,
		logger:     logger,
		metrics:    m,
	}
}

// Staking endpoints

func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	caller, ok := h.parseAddress(w, req.Address)
	if !ok {
		return
	}
	amount, ok := h.parseAmount(w, req.Amount)
	if !ok {
		return
	}

	var permit *token.PermitCredential
	if req.Permit != nil {
		sig, err := parseSignature(req.Permit.Signature)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", err.Error())
			return
		}
		permit = &token.PermitCredential{
			Deadline:  req.Permit.Deadline,
			Signature: sig,
		}
	}

	var delegation *token.DelegateSig
	if req.Delegation != nil {
		sig, err := parseSignature(req.Delegation.Signature)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", err.Error())
			return
		}
		delegation = &token.DelegateSig{
			Delegatee: token.Address(req.Delegation.Delegatee),
			Nonce:     req.Delegation.Nonce,
			Expiry:    req.Delegation.Expiry,
			Signature: sig,
		}
	}

	received, err := h.engine.Stake(caller, amount, permit, delegation)
	h.recordOp(r, "stake", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.invalidateAccount(r, caller)
	h.writeJSON(w, http.StatusOK, StakeResponse{Received: received.String()})
}

func (h *Handler) RequestUnstake(w http.ResponseWriter, r *http.Request) {
	var req UnstakeRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	caller, ok := h.parseAddress(w, req.Address)
	if !ok {
		return
	}
	amount, ok := h.parseAmount(w, req.Amount)
	if !ok {
		return
	}

	index, claimableAt, err := h.engine.RequestUnstake(caller, amount)
	h.recordOp(r, "unstake", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.invalidateAccount(r, caller)
	h.writeJSON(w, http.StatusOK, UnstakeResponse{Index: index, ClaimableAt: claimableAt})
}

func (h *Handler) WithdrawUnbond(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	caller, ok := h.parseAddress(w, req.Address)
	if !ok {
		return
	}

	// A missing amount means the whole entry.
	var amount *big.Int
	if req.Amount != "" {
		parsed, ok := h.parseAmount(w, req.Amount)
		if !ok {
			return
		}
		amount = parsed
	}

	withdrawn, closed, err := h.engine.WithdrawUnbond(caller, req.Index, amount)
	h.recordOp(r, "withdraw", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.invalidateAccount(r, caller)
	h.writeJSON(w, http.StatusOK, WithdrawResponse{Withdrawn: withdrawn.String(), Closed: closed})
}

func (h *Handler) FastWithdraw(w http.ResponseWriter, r *http.Request) {
	var req FastWithdrawRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	caller, ok := h.parseAddress(w, req.Address)
	if !ok {
		return
	}
	amount, ok := h.parseAmount(w, req.Amount)
	if !ok {
		return
	}

	penalty, net, err := h.engine.FastWithdraw(caller, amount)
	h.recordOp(r, "fast_withdraw", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordPenalty(r.Context(), bigFloat(penalty))
	}

	h.invalidateAccount(r, caller)
	h.writeJSON(w, http.StatusOK, FastWithdrawResponse{Gross: amount.String(), Penalty: penalty.String(), Net: net.String()})
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	caller, ok := h.parseAddress(w, req.Address)
	if !ok {
		return
	}

	paid, err := h.engine.Claim(caller)
	h.recordOp(r, "claim", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordRewardPaid(r.Context(), bigFloat(paid))
	}

	h.invalidateAccount(r, caller)
	h.writeJSON(w, http.StatusOK, ClaimResponse{Paid: paid.String()})
}

func (h *Handler) Compound(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	caller, ok := h.parseAddress(w, req.Address)
	if !ok {
		return
	}

	compounded, err := h.engine.ClaimAndStake(caller)
	h.recordOp(r, "compound", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.invalidateAccount(r, caller)
	h.writeJSON(w, http.StatusOK, CompoundResponse{Compounded: compounded.String()})
}

// Pool endpoints

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	var cached store.PoolSnapshotView
	if err := h.cache.GetPoolSnapshot(r.Context(), &cached); err == nil {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	result, _, _ := h.flight.Do(store.KeyPoolSnapshot, func() (interface{}, error) {
		view := store.PoolSnapshotViewFrom(h.engine.Snapshot())
		if err := h.cache.SetPoolSnapshot(r.Context(), view); err != nil {
			h.logger.Warnw("Failed to cache pool snapshot", "error", err)
		}
		return view, nil
	})
	h.writeJSON(w, http.StatusOK, result.(store.PoolSnapshotView))
}

func (h *Handler) GetPoolAPR(w http.ResponseWriter, r *http.Request) {
	var cached store.PoolAPRView
	if err := h.cache.GetPoolAPR(r.Context(), &cached); err == nil {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	result, _, _ := h.flight.Do(store.KeyPoolAPR, func() (interface{}, error) {
		snap := h.engine.Snapshot()
		view := store.PoolAPRView{
			Now:        snap.Now,
			AprPercent: calc.EmissionAPR(h.engine.CurrentRate(), snap.TotalStaked).String(),
		}
		if err := h.cache.SetPoolAPR(r.Context(), view); err != nil {
			h.logger.Warnw("Failed to cache pool APR", "error", err)
		}
		return view, nil
	})
	h.writeJSON(w, http.StatusOK, result.(store.PoolAPRView))
}

// Account endpoints

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if address == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "address is required")
		return
	}

	var cached AccountDTO
	if err := h.cache.GetAccountPosition(r.Context(), address, &cached); err == nil {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	view := h.engine.AccountOf(token.Address(address))
	dto := AccountDTO{
		Address:     address,
		Staked:      view.Staked.String(),
		Earned:      view.Earned.String(),
		UnbondCount: view.UnbondCount,
		AsOf:        h.engine.Snapshot().Now,
	}
	if err := h.cache.SetAccountPosition(r.Context(), address, dto); err != nil {
		h.logger.Warnw("Failed to cache account position", "address", address, "error", err)
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetUnbonds(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if address == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "address is required")
		return
	}

	snap := h.engine.Snapshot()
	entries := h.engine.UnbondsOf(token.Address(address))
	dto := UnbondsDTO{
		Address: address,
		Entries: make([]UnbondEntryDTO, len(entries)),
		AsOf:    snap.Now,
	}
	for i, e := range entries {
		dto.Entries[i] = UnbondEntryDTO{
			Index:       i,
			Amount:      e.Amount.String(),
			ClaimableAt: e.ClaimableAt,
			Ready:       snap.Now >= e.ClaimableAt,
		}
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// Event history. Served from Postgres with cursor pagination when a
// repository is wired; otherwise from the bounded cache ring.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	account := r.URL.Query().Get("account")
	cursor := r.URL.Query().Get("cursor")

	if h.repo != nil {
		events, nextCursor, err := h.repo.ListEvents(r.Context(), account, limit, cursor)
		if err != nil {
			if cursor != "" && strings.Contains(err.Error(), "cursor") {
				h.writeError(w, http.StatusBadRequest, "INVALID_CURSOR", err.Error())
				return
			}
			h.writeError(w, http.StatusInternalServerError, "EVENTS_QUERY_ERROR", err.Error())
			return
		}
		if events == nil {
			events = []repository.StoredEvent{}
		}
		h.writeJSON(w, http.StatusOK, PaginatedResponse{
			Data:    events,
			Cursor:  nextCursor,
			HasMore: nextCursor != "",
		})
		return
	}

	raw, err := h.cache.RecentEvents(r.Context(), int64(limit))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "EVENTS_QUERY_ERROR", err.Error())
		return
	}
	events := make([]engine.Event, 0, len(raw))
	for _, data := range raw {
		var ev engine.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if account != "" && ev.Account != account {
			continue
		}
		events = append(events, ev)
	}
	h.writeJSON(w, http.StatusOK, PaginatedResponse{Data: events})
}

// Admin endpoints. The caller identity is the configured admin address;
// transport-level auth happens in the AdminAuth middleware.

func (h *Handler) adminAddress() token.Address {
	return token.Address(h.config.Staking.AdminAddress)
}

func (h *Handler) NotifyReward(w http.ResponseWriter, r *http.Request) {
	var req NotifyRewardRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	amount, ok := h.parseAmount(w, req.Amount)
	if !ok {
		return
	}

	err := h.engine.NotifyReward(h.adminAddress(), amount, req.DurationSec)
	h.recordOp(r, "notify_reward", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) SetEmission(w http.ResponseWriter, r *http.Request) {
	var req EmissionRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	var err error
	switch req.Mode {
	case "topup":
		err = h.engine.SetTopUpEmission(h.adminAddress())
	case "fixed":
		rate, ok := h.parseAmount(w, req.RatePerSec)
		if !ok {
			return
		}
		err = h.engine.SetFixedEmission(h.adminAddress(), rate, req.WindowStart, req.WindowEnd)
	default:
		h.writeError(w, http.StatusBadRequest, "INVALID_MODE", fmt.Sprintf("unknown emission mode %q", req.Mode))
		return
	}
	h.recordOp(r, "set_emission", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": req.Mode})
}

func (h *Handler) SetHalted(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	err := h.engine.SetHalted(h.adminAddress(), req.Halted)
	h.recordOp(r, "set_halted", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"halted": req.Halted})
}

func (h *Handler) EmergencySweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	to, ok := h.parseAddress(w, req.To)
	if !ok {
		return
	}

	swept, err := h.engine.EmergencySweep(h.adminAddress(), to)
	h.recordOp(r, "sweep", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SweepResponse{Swept: swept.String(), To: req.To})
}

// Health endpoints

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Ping(r.Context()); err != nil {
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

// SSE endpoint
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

// Utility methods

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return false
	}
	return true
}

func (h *Handler) parseAddress(w http.ResponseWriter, address string) (token.Address, bool) {
	if address == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "address is required")
		return "", false
	}
	return token.Address(address), true
}

func (h *Handler) parseAmount(w http.ResponseWriter, amount string) (*big.Int, bool) {
	parsed, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", fmt.Sprintf("not a decimal amount: %q", amount))
		return nil, false
	}
	return parsed, true
}

func parseSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", err)
	}
	return sig, nil
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (h *Handler) recordOp(r *http.Request, op string, err error) {
	if h.metrics != nil {
		h.metrics.RecordPoolOperation(r.Context(), op, err)
	}
}

// invalidateAccount drops the cached position after a mutating operation so
// the next read reflects the new ledger state.
func (h *Handler) invalidateAccount(r *http.Request, addr token.Address) {
	if err := h.cache.InvalidateAccount(r.Context(), string(addr)); err != nil {
		h.logger.Warnw("Failed to invalidate account cache", "address", addr, "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Code:    code,
		Message: message,
	}
	json.NewEncoder(w).Encode(err)
}

// writeEngineError maps ledger sentinel errors onto HTTP statuses: bad
// input is 400, state conflicts are 409, authorization is 403 and a halted
// pool is 503.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrInvalidEmissionPeriod),
		errors.Is(err, engine.ErrInvalidUnbondIndex),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrPermitExpired),
		errors.Is(err, token.ErrBadSignature),
		errors.Is(err, token.ErrBadNonce):
		h.writeError(w, http.StatusBadRequest, "INVALID_OPERATION", err.Error())
	case errors.Is(err, engine.ErrUnbondNotReady):
		h.writeError(w, http.StatusConflict, "UNBOND_NOT_READY", err.Error())
	case errors.Is(err, engine.ErrNotTopUpMode),
		errors.Is(err, engine.ErrNotHalted),
		errors.Is(err, engine.ErrReentrancy):
		h.writeError(w, http.StatusConflict, "OPERATION_CONFLICT", err.Error())
	case errors.Is(err, gate.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, gate.ErrHalted):
		h.writeError(w, http.StatusServiceUnavailable, "POOL_HALTED", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
