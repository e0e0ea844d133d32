package api

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/catalogue"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/settlement"
)

// SeriesRequest names one series.
type SeriesRequest struct {
	Series model.Series `json:"series"`
}

// QuoteRequest is the JSON body for POST /quote. IsSell is from the
// trader's side.
type QuoteRequest struct {
	Series model.Series    `json:"series"`
	Amount decimal.Decimal `json:"amount"`
	IsSell bool            `json:"is_sell"`
	// NetExposure prices against a hypothetical book instead of the live one.
	NetExposure decimal.NullDecimal `json:"net_exposure"`
}

// OperationRequest is one entry of an operate batch. Kind selects the
// action family and Type the action within it, using the names the
// settlement package prints.
type OperationRequest struct {
	Kind          string          `json:"kind" validate:"required,oneof=margin finance"`
	Type          string          `json:"type" validate:"required"`
	Owner         common.Address  `json:"owner"`
	SecondAddress common.Address  `json:"second_address"`
	VaultID       uint64          `json:"vault_id"`
	Series        *model.Series   `json:"series"`
	Amount        decimal.Decimal `json:"amount"`
	Recipient     common.Address  `json:"recipient"`
}

// OperateRequest is the JSON body for POST /operate.
type OperateRequest struct {
	Operations []OperationRequest `json:"operations" validate:"required,min=1,dive"`
}

func (o OperationRequest) operation() (settlement.Operation, error) {
	var series model.Series
	if o.Series != nil {
		series = *o.Series
	}
	switch o.Kind {
	case "margin":
		t, ok := settlement.ParseMarginActionType(o.Type)
		if !ok {
			return nil, fmt.Errorf("%w: margin action %q", settlement.ErrUnknownOperation, o.Type)
		}
		return settlement.MarginAction{
			Type:          t,
			Owner:         o.Owner,
			SecondAddress: o.SecondAddress,
			VaultID:       o.VaultID,
			Series:        series,
			Amount:        o.Amount,
		}, nil
	case "finance":
		t, ok := settlement.ParseVaultFinanceActionType(o.Type)
		if !ok {
			return nil, fmt.Errorf("%w: finance action %q", settlement.ErrUnknownOperation, o.Type)
		}
		return settlement.VaultFinanceAction{
			Type:      t,
			Series:    series,
			Amount:    o.Amount,
			Recipient: o.Recipient,
		}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", settlement.ErrUnknownOperation, o.Kind)
}

// Quote handles POST /api/v1/quote
func (s *Server) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.Settlement.QuoteOptionPrice(r.Context(), req.Series, req.Amount, req.IsSell, req.NetExposure)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Operate handles POST /api/v1/operate
func (s *Server) Operate(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req OperateRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	batch := make([]settlement.Operation, 0, len(req.Operations))
	for i, o := range req.Operations {
		op, err := o.operation()
		if err != nil {
			writeError(w, fmt.Errorf("operation %d: %w", i, err))
			return
		}
		batch = append(batch, op)
	}
	receipt, err := s.Settlement.Operate(r.Context(), c, batch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ListSeries handles GET /api/v1/series
func (s *Server) ListSeries(w http.ResponseWriter, r *http.Request) {
	out := []catalogue.Entry{}
	for _, exp := range s.Catalogue.Expirations() {
		out = append(out, s.Catalogue.Entries(exp)...)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListExposures handles GET /api/v1/exposures
func (s *Server) ListExposures(w http.ResponseWriter, r *http.Request) {
	var recs []model.ExposureRecord
	s.Pool.Read(func() { recs = s.Exposures.Records() })
	if recs == nil {
		recs = []model.ExposureRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
