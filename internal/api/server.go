// Package api exposes the vault over HTTP.
//
// Callers are identified by the X-Account header, which an upstream gateway
// is expected to authenticate. Every entry point applies the same
// authorisation as the underlying pool, feed and settlement calls.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/catalogue"
	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/exposure"
	"github.com/optvault/vault-engine/internal/feed"
	"github.com/optvault/vault-engine/internal/hedging"
	"github.com/optvault/vault-engine/internal/margin"
	"github.com/optvault/vault-engine/internal/nav"
	"github.com/optvault/vault-engine/internal/pool"
	"github.com/optvault/vault-engine/internal/pricing"
	"github.com/optvault/vault-engine/internal/settlement"
	"github.com/optvault/vault-engine/internal/store"
)

// CallerHeader carries the acting account.
const CallerHeader = "X-Account"

var errMissingCaller = errors.New("api: missing or invalid " + CallerHeader + " header")

// Deps is everything the handlers call into. Hub, Prices, Vols and Expiries
// are optional; their routes answer 404 when nil.
type Deps struct {
	Pool       *pool.Pool
	Settlement *settlement.Engine
	Feed       *feed.Feed
	Catalogue  *catalogue.Catalogue
	Exposures  *exposure.Ledger
	Collateral *asset.Ledger
	Store      store.Store
	Hub        *events.Hub
	Prices     *pricing.ManualPriceFeed
	Vols       *pricing.VolatilityFeed
	Expiries   *margin.MemoryEngine
}

type Server struct {
	Deps
	validate *validator.Validate
}

func New(d Deps) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{Deps: d, validate: v}
}

// Routes mounts the /api/v1 surface on r.
func (s *Server) Routes(r chi.Router) {
	if s.Hub != nil {
		r.Get("/ws", s.Hub.HandleWS)
	}

	r.Get("/pool", s.GetPool)
	r.Get("/pool/epochs/{epoch}", s.GetEpoch)
	r.Get("/accounts/{address}", s.GetAccount)
	r.Get("/series", s.ListSeries)
	r.Get("/exposures", s.ListExposures)

	r.Post("/deposit", s.Deposit)
	r.Post("/redeem", s.Redeem)
	r.Post("/withdraw/initiate", s.InitiateWithdraw)
	r.Post("/withdraw/complete", s.CompleteWithdraw)

	r.Post("/quote", s.Quote)
	r.Post("/operate", s.Operate)

	r.Route("/keeper", func(r chi.Router) {
		r.Post("/pause", s.PauseTrading)
		r.Post("/epoch", s.ExecuteEpoch)
		r.Post("/settle", s.SettleExpired)
		r.Post("/rebalance", s.RebalanceDelta)
	})
	r.Get("/reactors", s.ListReactors)
	r.Post("/feed/fulfill", s.Fulfill)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/series", s.IssueSeries)
		r.Post("/series/flags", s.ChangeSeriesFlags)
		r.Post("/series/revoke", s.RevokeSeries)
		r.Post("/buffer", s.SetBufferPercentage)
		r.Post("/cap", s.SetCollateralCap)
		r.Post("/trading", s.SetTradingPaused)
		r.Post("/keepers", s.SetKeeper)
		r.Post("/fulfillers", s.SetFulfiller)
		r.Post("/option-params", s.SetOptionParams)
		r.Post("/spot", s.SetSpot)
		r.Post("/volatility", s.SetVolatility)
		r.Post("/expiry-price", s.SetExpiryPrice)
		r.Post("/credit", s.Credit)
		r.Post("/reactors", s.AddReactor)
		r.Post("/reactors/remove", s.RemoveReactor)
	})
}

// caller reads the acting account from the request.
func caller(r *http.Request) (common.Address, error) {
	h := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(h) {
		return common.Address{}, errMissingCaller
	}
	return common.HexToAddress(h), nil
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &requestError{msg: "invalid request body"}
	}
	if err := s.validate.Struct(v); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			parts := make([]string, 0, len(fields))
			for _, f := range fields {
				parts = append(parts, f.Namespace()+" failed "+f.Tag())
			}
			return &requestError{msg: "validation error: " + strings.Join(parts, "; ")}
		}
		return &requestError{msg: err.Error()}
	}
	return nil
}

// requestError marks a malformed request.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

// governor rejects anyone but the pool's governor.
func (s *Server) governor(r *http.Request) (common.Address, error) {
	c, err := caller(r)
	if err != nil {
		return c, err
	}
	if c != s.Pool.Governor() {
		return c, pool.ErrUnauthorisedGovernance
	}
	return c, nil
}

var (
	badRequest = []error{
		errMissingCaller,
		pool.ErrInvalidAmount, pool.ErrInvalidShareAmount,
		pool.ErrInvalidBufferPercentage, pool.ErrInvalidCollateralCap, pool.ErrInvalidReactor,
		hedging.ErrInvalidAmount,
		settlement.ErrEmptyBatch, settlement.ErrInvalidAmount, settlement.ErrUnknownOperation,
		settlement.ErrUnapprovedSeries, settlement.ErrSeriesNotBuyable, settlement.ErrSeriesNotSellable,
		settlement.ErrOptionExpiryInvalid, settlement.ErrOptionStrikeInvalid,
		margin.ErrInvalidAmount, margin.ErrInvalidVaultID, margin.ErrSeriesMismatch,
		asset.ErrInvalidAmount,
		pricing.ErrInvalidAmount, pricing.ErrInvalidConfig, pricing.ErrInvalidSABRParams, pricing.ErrOptionExpired,
		nav.ErrInvalidInput,
	}
	forbidden = []error{
		settlement.ErrUnauthorisedSender, settlement.ErrForbiddenAction,
		pool.ErrUnauthorisedHandler, pool.ErrUnauthorisedKeeper, pool.ErrUnauthorisedGovernance,
		feed.ErrUnauthorisedFulfiller,
	}
	notFound = []error{
		store.ErrNotFound, catalogue.ErrSeriesNotFound, margin.ErrVaultNotFound,
	}
)

// statusFor maps sentinel errors onto HTTP status codes: malformed input is
// 400, authorisation 403, lookups 404, anything else a known rule rejects
// is 409, unknown errors 500.
func statusFor(err error) int {
	var re *requestError
	if errors.As(err, &re) {
		return http.StatusBadRequest
	}
	match := func(targets []error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
	switch {
	case match(badRequest):
		return http.StatusBadRequest
	case match(forbidden):
		return http.StatusForbidden
	case match(notFound):
		return http.StatusNotFound
	case match(conflicts):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

var conflicts = []error{
	pool.ErrTradingPaused, pool.ErrTradingNotPaused, pool.ErrAwaitingFulfillment, pool.ErrFeedNotConfigured,
	pool.ErrMaxLiquidityBufferReached, pool.ErrInsufficientLiquidity, pool.ErrTotalSupplyReached,
	pool.ErrInsufficientShareBalance, pool.ErrNoExistingWithdrawal, pool.ErrExistingWithdrawal,
	pool.ErrEpochNotClosed, pool.ErrBalanceMismatch,
	pool.ErrReactorExists, pool.ErrReactorNotFlat,
	settlement.ErrTokenImbalance, settlement.ErrSeriesNotExpired,
	margin.ErrInsufficientCollateral, margin.ErrInsufficientOptions, margin.ErrSeriesNotIssued,
	margin.ErrSeriesExpired, margin.ErrSeriesNotExpired, margin.ErrNoExpiryPrice,
	asset.ErrInsufficientBalance,
	nav.ErrNonPositiveNAV, nav.ErrPriceAlreadyRecorded, store.ErrPriceExists,
	pricing.ErrNoPrice, pricing.ErrIVNotFound,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
