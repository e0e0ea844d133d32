package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/catalogue"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/pricing"
)

var (
	errNotConfigured  = errors.New("api: component not configured")
	errReservedCredit = errors.New("api: cannot credit the pool or custody accounts")
)

// SeriesListRequest issues or re-flags series.
type SeriesListRequest struct {
	Options []catalogue.Option `json:"options" validate:"required,min=1,dive"`
}

// DecimalRequest carries one governance parameter.
type DecimalRequest struct {
	Value decimal.Decimal `json:"value"`
}

// PausedRequest is the body of POST /admin/trading.
type PausedRequest struct {
	Paused bool `json:"paused"`
}

// AuthRequest grants or revokes a role.
type AuthRequest struct {
	Address    string `json:"address" validate:"required,eth_addr"`
	Authorised bool   `json:"authorised"`
}

// SpotRequest sets the manual spot rate of the pool's pair.
type SpotRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

// VolatilityRequest sets the SABR smile of one expiration.
type VolatilityRequest struct {
	Expiration int64              `json:"expiration" validate:"required,gt=0"`
	Params     pricing.SABRParams `json:"params"`
}

// ExpiryPriceRequest records the settlement price of an expiration.
type ExpiryPriceRequest struct {
	Expiration int64           `json:"expiration" validate:"required,gt=0"`
	Price      decimal.Decimal `json:"price"`
}

// CreditRequest credits collateral to an account entering the ledger.
type CreditRequest struct {
	Address string          `json:"address" validate:"required,eth_addr"`
	Amount  decimal.Decimal `json:"amount"`
}

// IssueSeries handles POST /api/v1/admin/series
func (s *Server) IssueSeries(w http.ResponseWriter, r *http.Request) {
	c, err := s.governor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SeriesListRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.Catalogue.IssueNewSeries(req.Options)
	slog.Info("series issued", "governor", c.Hex(), "count", len(req.Options))
	writeJSON(w, http.StatusCreated, req.Options)
}

// ChangeSeriesFlags handles POST /api/v1/admin/series/flags
func (s *Server) ChangeSeriesFlags(w http.ResponseWriter, r *http.Request) {
	if _, err := s.governor(r); err != nil {
		writeError(w, err)
		return
	}
	var req SeriesListRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Catalogue.ChangeOptionBuyOrSell(req.Options); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req.Options)
}

// RevokeSeries handles POST /api/v1/admin/series/revoke
func (s *Server) RevokeSeries(w http.ResponseWriter, r *http.Request) {
	if _, err := s.governor(r); err != nil {
		writeError(w, err)
		return
	}
	var req SeriesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Catalogue.Revoke(req.Series); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetBufferPercentage handles POST /api/v1/admin/buffer
func (s *Server) SetBufferPercentage(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req DecimalRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.SetBufferPercentage(r.Context(), c, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.State())
}

// SetCollateralCap handles POST /api/v1/admin/cap
func (s *Server) SetCollateralCap(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req DecimalRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.SetCollateralCap(r.Context(), c, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.State())
}

// SetTradingPaused handles POST /api/v1/admin/trading
func (s *Server) SetTradingPaused(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req PausedRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.PauseUnpauseTrading(r.Context(), c, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.State())
}

// SetKeeper handles POST /api/v1/admin/keepers
func (s *Server) SetKeeper(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req AuthRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Pool.SetKeeper(c, common.HexToAddress(req.Address), req.Authorised); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetFulfiller handles POST /api/v1/admin/fulfillers
func (s *Server) SetFulfiller(w http.ResponseWriter, r *http.Request) {
	if _, err := s.governor(r); err != nil {
		writeError(w, err)
		return
	}
	var req AuthRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.Feed.SetFulfiller(common.HexToAddress(req.Address), req.Authorised)
	w.WriteHeader(http.StatusNoContent)
}

// SetOptionParams handles POST /api/v1/admin/option-params
func (s *Server) SetOptionParams(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req model.OptionParams
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Settlement.SetOptionParams(c, req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Settlement.OptionParams())
}

// SetSpot handles POST /api/v1/admin/spot
func (s *Server) SetSpot(w http.ResponseWriter, r *http.Request) {
	if _, err := s.governor(r); err != nil {
		writeError(w, err)
		return
	}
	if s.Prices == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNotConfigured.Error()})
		return
	}
	var req SpotRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Rate.IsPositive() {
		writeError(w, &requestError{msg: "rate must be positive"})
		return
	}
	s.Prices.SetRate(s.Pool.Underlying(), s.Pool.StrikeAsset(), req.Rate)
	w.WriteHeader(http.StatusNoContent)
}

// SetVolatility handles POST /api/v1/admin/volatility
func (s *Server) SetVolatility(w http.ResponseWriter, r *http.Request) {
	if _, err := s.governor(r); err != nil {
		writeError(w, err)
		return
	}
	if s.Vols == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNotConfigured.Error()})
		return
	}
	var req VolatilityRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Vols.SetSabrParameters(req.Expiration, req.Params); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetExpiryPrice handles POST /api/v1/admin/expiry-price
func (s *Server) SetExpiryPrice(w http.ResponseWriter, r *http.Request) {
	if _, err := s.governor(r); err != nil {
		writeError(w, err)
		return
	}
	if s.Expiries == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNotConfigured.Error()})
		return
	}
	var req ExpiryPriceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, &requestError{msg: "price must be positive"})
		return
	}
	s.Expiries.SetExpiryPrice(s.Pool.Underlying(), req.Expiration, req.Price)
	w.WriteHeader(http.StatusNoContent)
}

// Credit handles POST /api/v1/admin/credit
func (s *Server) Credit(w http.ResponseWriter, r *http.Request) {
	c, err := s.governor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CreditRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	to := common.HexToAddress(req.Address)
	if to == s.Pool.Address() || (s.Expiries != nil && to == s.Expiries.Custody()) {
		writeError(w, &requestError{msg: errReservedCredit.Error()})
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, &requestError{msg: "amount must be positive"})
		return
	}
	if err := s.Collateral.Mint(to, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("collateral credited", "governor", c.Hex(), "to", to.Hex(), "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.Collateral.BalanceOf(to)})
}
