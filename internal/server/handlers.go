package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/lox/cryptoroulette/internal/fairness"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/guard"
	"github.com/lox/cryptoroulette/internal/protocol"
	"github.com/lox/cryptoroulette/internal/wheel"
)

const userHeader = "X-User-ID"

type ctxKey struct{}

// requireUser rejects requests without an X-User-ID header
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			writeUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decode reads and validates a JSON body. An empty body decodes to the zero
// value when allowEmpty is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			writeBadRequest(w, r, protocol.CodeInvalidMessage, "failed to decode request body")
			return false
		}
	}
	if err := s.validate.Struct(v); err != nil {
		writeBadRequest(w, r, protocol.CodeInvalidMessage, validationMessage(err))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"status": "ok", "rooms": s.rooms.RoomCount()})
}

// BetTypeInfo describes one bet type on /api/wheel
type BetTypeInfo struct {
	Type   wheel.BetType `json:"bet_type"`
	Odds   int64         `json:"payout_odds"`
	Values []string      `json:"values"`
}

// WheelResponse is the static table
type WheelResponse struct {
	Positions []wheel.Position `json:"positions"`
	BetTypes  []BetTypeInfo    `json:"bet_types"`
}

func (s *Server) handleWheel(w http.ResponseWriter, r *http.Request) {
	resp := WheelResponse{Positions: wheel.Positions()}
	for _, bt := range wheel.BetTypes() {
		resp.BetTypes = append(resp.BetTypes, BetTypeInfo{Type: bt, Odds: wheel.PayoutOdds(bt), Values: wheel.Vocabulary(bt)})
	}
	render.JSON(w, r, resp)
}

// VerifyRequest is the body of /api/verify
type VerifyRequest struct {
	ServerSeed    string `json:"server_seed" validate:"required"`
	ClientSeed    string `json:"client_seed" validate:"required"`
	Nonce         uint64 `json:"nonce"`
	ResultHash    string `json:"result_hash" validate:"required"`
	WinningNumber *int   `json:"winning_number" validate:"required,gte=0,lte=36"`
}

// VerifyResponse reports the recomputed outcome
type VerifyResponse struct {
	Valid          bool   `json:"valid"`
	ExpectedNumber int    `json:"expected_number"`
	ExpectedHash   string `json:"expected_hash"`
	ServerSeedHash string `json:"server_seed_hash"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	expected := fairness.Resolve(req.ServerSeed, req.ClientSeed, req.Nonce)
	render.JSON(w, r, VerifyResponse{
		Valid:          fairness.Verify(req.ServerSeed, req.ClientSeed, req.Nonce, req.ResultHash, *req.WinningNumber),
		ExpectedNumber: expected.Number,
		ExpectedHash:   expected.Hash,
		ServerSeedHash: fairness.HashServerSeed(req.ServerSeed),
	})
}

// CreateSessionRequest is the body of the session create endpoints
type CreateSessionRequest struct {
	GameType   string `json:"game_type" validate:"omitempty,max=64"`
	ClientSeed string `json:"client_seed" validate:"max=256"`
}

// ActiveSessionResponse answers POST /api/sessions/active
type ActiveSessionResponse struct {
	Session game.SessionView `json:"session"`
	Created bool             `json:"created"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	userID := userFrom(r)
	if err := s.guard.Admit(userID, clientIP(r), guard.ActionSessionCreate); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.engine.CreateSession(r.Context(), userID, req.GameType, req.ClientSeed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, view)
}

func (s *Server) handleGetOrCreateActiveSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	userID := userFrom(r)
	if err := s.guard.Admit(userID, clientIP(r), guard.ActionSessionCreate); err != nil {
		writeError(w, r, err)
		return
	}
	view, created, err := s.engine.GetOrCreateActiveSession(r.Context(), userID, req.GameType, req.ClientSeed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, ActiveSessionResponse{Session: view, Created: created})
}

func (s *Server) handleGetActiveSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetActiveSessionForUser(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req game.BetRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	bet, err := s.rooms.PlaceBet(r.Context(), chi.URLParam(r, "sessionID"), userFrom(r), clientIP(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, bet)
}

func (s *Server) handleSpin(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	if err := s.guard.Admit(userID, clientIP(r), guard.ActionSpin); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.engine.Spin(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.engine.CancelOwned(r.Context(), sessionID, userFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	reveal, err := s.engine.RevealServerSeed(r.Context(), chi.URLParam(r, "sessionID"), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, reveal)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	audit, err := s.engine.AuditSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, game.ErrVerificationFailed) {
			s.logger.Error("Session failed audit", "session", sessionID, "integrity", true)
		}
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, audit)
}

// HistoryResponse is a page of the caller's sessions
type HistoryResponse struct {
	Sessions []game.SessionView `json:"sessions"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	sessions, err := s.engine.GetHistory(r.Context(), userFrom(r), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, HistoryResponse{Sessions: sessions, Limit: limit, Offset: offset})
}

// BalanceResponse answers /api/balance
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Status: http.StatusNotFound, Code: "not_found", Error: "no wallet configured"})
		return
	}
	userID := userFrom(r)
	render.JSON(w, r, BalanceResponse{UserID: userID, Balance: s.balances.Balance(userID).String()})
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeBadRequest(w, r, protocol.CodeInvalidMessage, name+" must be an integer")
		return 0, false
	}
	return n, true
}
