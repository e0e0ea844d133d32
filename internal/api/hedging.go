package api

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/hedging"
)

// RebalanceRequest is the body of POST /keeper/rebalance.
type RebalanceRequest struct {
	Delta        decimal.Decimal `json:"delta"`
	ReactorIndex int             `json:"reactor_index" validate:"gte=0"`
}

// ReactorRequest registers a spot hedging reactor at Address.
type ReactorRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

// ReactorIndexRequest selects a reactor by position.
type ReactorIndexRequest struct {
	Index int `json:"index" validate:"gte=0"`
}

// ReactorsResponse lists the pool's reactors in index order.
type ReactorsResponse struct {
	Reactors []common.Address `json:"reactors"`
}

// RebalanceResponse reports the change in hedged delta.
type RebalanceResponse struct {
	DeltaChange decimal.Decimal `json:"delta_change"`
}

// ListReactors handles GET /api/v1/reactors
func (s *Server) ListReactors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ReactorsResponse{Reactors: s.Pool.HedgingReactors()})
}

// RebalanceDelta handles POST /api/v1/keeper/rebalance
func (s *Server) RebalanceDelta(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req RebalanceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	change, err := s.Pool.RebalancePortfolioDelta(r.Context(), c, req.Delta, req.ReactorIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RebalanceResponse{DeltaChange: change})
}

// AddReactor handles POST /api/v1/admin/reactors
func (s *Server) AddReactor(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Prices == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNotConfigured.Error()})
		return
	}
	var req ReactorRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr := common.HexToAddress(req.Address)
	if addr == s.Pool.Address() {
		writeError(w, &requestError{msg: "reactor cannot be the pool account"})
		return
	}
	reactor := hedging.NewSpotReactor(addr, s.Pool.Address(), s.Pool.Underlying(), s.Pool.StrikeAsset(), s.Collateral, s.Prices)
	if err := s.Pool.SetHedgingReactor(r.Context(), c, reactor); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("hedging reactor added", "governor", c.Hex(), "reactor", addr.Hex())
	writeJSON(w, http.StatusCreated, ReactorsResponse{Reactors: s.Pool.HedgingReactors()})
}

// RemoveReactor handles POST /api/v1/admin/reactors/remove
func (s *Server) RemoveReactor(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ReactorIndexRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.RemoveHedgingReactor(r.Context(), c, req.Index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReactorsResponse{Reactors: s.Pool.HedgingReactors()})
}
