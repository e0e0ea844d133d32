package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/pool"
	"github.com/optvault/vault-engine/internal/store"
)

// --- Request/Response types ---

// AmountRequest is the body of deposit and credit calls.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SharesRequest is the body of redeem and withdraw calls. A zero Shares on
// /withdraw/complete pays out the whole receipt.
type SharesRequest struct {
	Shares decimal.Decimal `json:"shares"`
}

// PoolResponse is the live pool state with its derived figures.
type PoolResponse struct {
	State              model.PoolState `json:"state"`
	TotalAssets        decimal.Decimal `json:"total_assets"`
	ManagedCollateral  decimal.Decimal `json:"managed_collateral"`
	WithdrawalCapacity decimal.Decimal `json:"withdrawal_capacity"`
	HedgedAssets       *string         `json:"hedged_assets,omitempty"`
	PortfolioDelta     *string         `json:"portfolio_delta,omitempty"`
	NAV                *string         `json:"nav,omitempty"`
}

// EpochResponse holds the prices recorded for one epoch; absent prices
// are omitted.
type EpochResponse struct {
	Epoch           uint64           `json:"epoch"`
	DepositPrice    *decimal.Decimal `json:"deposit_price,omitempty"`
	WithdrawalPrice *decimal.Decimal `json:"withdrawal_price,omitempty"`
}

// AccountResponse is a depositor's persisted position plus their
// collateral balance.
type AccountResponse struct {
	store.Account
	Collateral decimal.Decimal `json:"collateral"`
}

// ResultResponse reports the amount moved by a depositor call.
type ResultResponse struct {
	Shares     *decimal.Decimal `json:"shares,omitempty"`
	Collateral *decimal.Decimal `json:"collateral,omitempty"`
}

// --- Queries ---

// GetPool handles GET /api/v1/pool
func (s *Server) GetPool(w http.ResponseWriter, r *http.Request) {
	st := s.Pool.State()
	resp := PoolResponse{
		State:              st,
		TotalAssets:        pool.TotalAssets(st),
		ManagedCollateral:  pool.ManagedCollateral(st),
		WithdrawalCapacity: pool.WithdrawalCapacity(st),
	}
	if v, err := s.Pool.Assets(r.Context()); err == nil {
		str := v.String()
		resp.HedgedAssets = &str
	}
	// NAV and delta are unavailable until the feed first fulfills.
	if v, err := s.Pool.NAV(r.Context()); err == nil {
		str := v.String()
		resp.NAV = &str
	}
	if v, err := s.Pool.PortfolioDelta(); err == nil {
		str := v.String()
		resp.PortfolioDelta = &str
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEpoch handles GET /api/v1/pool/epochs/{epoch}
func (s *Server) GetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeError(w, &requestError{msg: "epoch must be a positive integer"})
		return
	}
	resp := EpochResponse{Epoch: epoch}
	for kind, dst := range map[model.PriceKind]**decimal.Decimal{
		model.DepositPrice:    &resp.DepositPrice,
		model.WithdrawalPrice: &resp.WithdrawalPrice,
	} {
		price, err := s.Store.GetEpochPrice(r.Context(), kind, epoch)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}
		*dst = &price
	}
	if resp.DepositPrice == nil && resp.WithdrawalPrice == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /api/v1/accounts/{address}
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, &requestError{msg: "invalid address"})
		return
	}
	addr := common.HexToAddress(raw)
	acct, err := s.Store.GetAccount(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	var held decimal.Decimal
	s.Pool.Read(func() { held = s.Collateral.BalanceOf(addr) })
	writeJSON(w, http.StatusOK, AccountResponse{Account: acct, Collateral: held})
}

// --- Depositor ---

// Deposit handles POST /api/v1/deposit
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req AmountRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.Deposit(r.Context(), c, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Pool.DepositReceipt(c))
}

// Redeem handles POST /api/v1/redeem
func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SharesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	shares, err := s.Pool.Redeem(r.Context(), c, req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Shares: &shares})
}

// InitiateWithdraw handles POST /api/v1/withdraw/initiate
func (s *Server) InitiateWithdraw(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SharesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.InitiateWithdraw(r.Context(), c, req.Shares); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Pool.WithdrawalReceipt(c))
}

// CompleteWithdraw handles POST /api/v1/withdraw/complete
func (s *Server) CompleteWithdraw(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SharesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var paid decimal.Decimal
	if req.Shares.IsZero() {
		paid, err = s.Pool.CompleteWithdraw(r.Context(), c)
	} else {
		paid, err = s.Pool.CompleteWithdrawShares(r.Context(), c, req.Shares)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Collateral: &paid})
}

// --- Keeper ---

// PauseTrading handles POST /api/v1/keeper/pause
func (s *Server) PauseTrading(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.PauseTradingAndRequest(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Pool.State())
}

// ExecuteEpoch handles POST /api/v1/keeper/epoch
func (s *Server) ExecuteEpoch(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Pool.ExecuteEpochCalculation(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SettleExpired handles POST /api/v1/keeper/settle
func (s *Server) SettleExpired(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SeriesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Settlement.SettleExpired(r.Context(), c, req.Series)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Fulfill handles POST /api/v1/feed/fulfill
func (s *Server) Fulfill(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	values, err := s.Feed.Fulfill(r.Context(), c, s.Pool.Underlying(), s.Pool.StrikeAsset())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}
