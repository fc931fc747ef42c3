// Package allocation provides the HTTP handlers and business logic for
// creating lots, reserving sales, committing contributions, and querying
// reconciliation figures.
//
// All quantities and weights use shopspring/decimal — never float64.
package allocation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sooq/asset-engine/internal/metrics"
	"github.com/sooq/asset-engine/internal/model"
	"github.com/sooq/asset-engine/internal/reconcile"
	"github.com/sooq/asset-engine/internal/requirement"
	"github.com/sooq/asset-engine/internal/serial"
	"github.com/sooq/asset-engine/internal/store"
)

var (
	// ErrInsufficientRemaining is returned when a proposed allocation
	// exceeds the lot's remaining quantity.
	ErrInsufficientRemaining = errors.New("allocation: lot has insufficient remaining quantity")

	// ErrSaleLot is returned when an operation that needs remaining
	// figures is attempted directly on a SALE-type lot.
	ErrSaleLot = errors.New("allocation: remaining is undefined on a sale lot")
)

// Service handles lot and contribution operations. Commit paths rely on
// the store's row-locked re-validation, so two concurrent submissions
// against one lot cannot both pass a stale capacity check.
type Service struct {
	store store.Store
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new allocation service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub) *Service {
	return &Service{store: st, wsHub: hub}
}

// --- Request/Response types ---

// CreateLotRequest is the JSON body for lot creation.
type CreateLotRequest struct {
	BusinessID        string             `json:"business_id"`
	RequestType       model.RequestType  `json:"request_type"` // empty → PURCHASE
	RequestedQuantity decimal.Decimal    `json:"requested_quantity"`
	Material          model.MaterialSpec `json:"material"`
}

// RemainingResponse reports a lot's reconciliation figures. Both fields
// are null for SALE-type lots; callers resolve via related_lot_id.
type RemainingResponse struct {
	LotID             string           `json:"lot_id"`
	RelatedLotID      string           `json:"related_lot_id,omitempty"`
	RemainingQuantity *decimal.Decimal `json:"remaining_quantity"`
	RemainingWeight   *decimal.Decimal `json:"remaining_weight"`
}

// CreateSaleRequest is the JSON body for reserving a sale against a lot.
type CreateSaleRequest struct {
	BusinessID string          `json:"business_id"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// RequirementLine is one bill-of-materials line in a contribution or
// planning request.
type RequirementLine struct {
	Material model.MaterialSpec `json:"material"`
	Weight   decimal.Decimal    `json:"weight"`
}

// ContributionLine is one (lot, quantity) pair being contributed.
type ContributionLine struct {
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// CreateContributionsRequest is the JSON body for POST /contributions.
// Requirements may be empty (pool contributions carry no bill of
// materials); when present the batch must satisfy them exactly.
type CreateContributionsRequest struct {
	BusinessID    string                 `json:"business_id"`
	Type          model.ContributionType `json:"contribution_type"`
	TargetID      string                 `json:"target_id"`
	Requirements  []RequirementLine      `json:"requirements,omitempty"`
	Contributions []ContributionLine     `json:"contributions"`
}

// PlanRequest is the JSON body for POST /contributions/plan.
type PlanRequest struct {
	Requirements []RequirementLine `json:"requirements"`
	LotIDs       []string          `json:"lot_ids"`
}

// StatusRequest is the JSON body for contribution status transitions.
type StatusRequest struct {
	Status model.ContributionStatus `json:"status"`
}

// --- HTTP Handlers ---

// CreateLot handles POST /api/v1/lots
func (s *Service) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.BusinessID == "" {
		writeError(w, "business_id is required", http.StatusBadRequest)
		return
	}
	if !req.RequestedQuantity.IsPositive() {
		writeError(w, "requested_quantity must be positive", http.StatusBadRequest)
		return
	}

	requestType := req.RequestType
	if requestType == "" {
		requestType = model.RequestPurchase
	}
	if requestType != model.RequestPurchase && requestType != model.RequestJewelryDesign {
		writeError(w, "request_type must be PURCHASE or JEWELRY_DESIGN", http.StatusBadRequest)
		return
	}

	switch req.Material.Type {
	case model.MaterialMetal:
		// Accepting a metal lot with no recorded weight would make every
		// later reconciliation meaningless.
		if !req.Material.UnitWeight.IsPositive() {
			writeError(w, "metal lots require a positive unit_weight", http.StatusUnprocessableEntity)
			return
		}
	case model.MaterialStone:
	default:
		writeError(w, "material.type must be METAL or STONE", http.StatusBadRequest)
		return
	}

	lot := &model.Lot{
		ID:                uuid.New().String(),
		BusinessID:        req.BusinessID,
		RequestType:       requestType,
		Status:            model.LotPending,
		RequestedQuantity: req.RequestedQuantity,
		Material:          req.Material,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.store.CreateLot(r.Context(), lot); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("lot created",
		"id", lot.ID,
		"type", lot.RequestType,
		"material", lot.Material.Type,
		"qty", lot.RequestedQuantity.String(),
	)

	writeJSON(w, http.StatusCreated, lot)
}

// GetLot handles GET /api/v1/lots/{lotID}
func (s *Service) GetLot(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotID")

	lot, err := s.store.GetLot(r.Context(), lotID, false)
	if err != nil {
		writeError(w, "lot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// ListLots handles GET /api/v1/lots
// Optionally filtered by ?material_type=METAL|STONE.
func (s *Service) ListLots(w http.ResponseWriter, r *http.Request) {
	materialType := model.MaterialType(r.URL.Query().Get("material_type"))

	lots, err := s.store.ListLots(r.Context(), materialType)
	if err != nil {
		writeError(w, "failed to list lots", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []model.Lot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// GetRemaining handles GET /api/v1/lots/{lotID}/remaining
// Recomputed fresh on every read; never cached or materialized beyond the
// snapshot cache, which is invalidated on every allocation write.
func (s *Service) GetRemaining(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotID")

	view, err := s.store.LoadLotView(r.Context(), lotID, false)
	if err != nil {
		writeError(w, "lot not found", http.StatusNotFound)
		return
	}

	metrics.ReconciliationsTotal.WithLabelValues(string(view.Lot.Material.Type)).Inc()

	resp := RemainingResponse{LotID: lotID, RelatedLotID: view.Lot.RelatedLotID}
	if qty, ok := reconcile.RemainingQuantity(view); ok {
		resp.RemainingQuantity = &qty
	}
	if weight, ok := reconcile.RemainingWeight(view); ok {
		resp.RemainingWeight = &weight
	}

	writeJSON(w, http.StatusOK, resp)
}

// ApproveLot handles POST /api/v1/lots/{lotID}/approve
// Transitions a PENDING lot to APPROVED and mints one serialized unit per
// requested count unit. Design lots carry no unit tracking and only
// transition status.
func (s *Service) ApproveLot(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotID")
	ctx := r.Context()

	lot, err := s.store.GetLot(ctx, lotID, false)
	if err != nil {
		writeError(w, "lot not found", http.StatusNotFound)
		return
	}
	if lot.Status != model.LotPending {
		writeError(w, "only pending lots can be approved", http.StatusConflict)
		return
	}

	if err := s.store.UpdateLotStatus(ctx, lotID, model.LotApproved); err != nil {
		writeError(w, "failed to approve lot", http.StatusInternalServerError)
		return
	}

	var units []model.Unit
	if lot.RequestType == model.RequestPurchase {
		count := int(lot.RequestedQuantity.IntPart())
		now := time.Now().UTC()
		for i := 1; i <= count; i++ {
			units = append(units, model.Unit{
				ID:           uuid.New().String(),
				LotID:        lotID,
				SerialNumber: serial.Generate(lotID, i),
				CreatedAt:    now,
			})
		}
		if len(units) > 0 {
			if err := s.store.MintUnits(ctx, units); err != nil {
				writeError(w, "failed to mint units", http.StatusInternalServerError)
				return
			}
			metrics.UnitsMinted.Add(float64(len(units)))
		}
	}

	slog.Info("lot approved", "id", lotID, "units_minted", len(units))

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventMessage{
			Type:   "lot_approved",
			LotID:  lotID,
			Status: string(model.LotApproved),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lot_id":       lotID,
		"status":       model.LotApproved,
		"units_minted": len(units),
	})
}

// CreateSale handles POST /api/v1/lots/{lotID}/sales
// Reserves quantity from a purchase lot by creating a SALE-type child lot.
// A sale in negotiation still reserves the underlying units, so the
// reservation is checked and committed under the parent's row lock.
func (s *Service) CreateSale(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotID")

	var req CreateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	parent, err := s.store.GetLot(ctx, lotID, false)
	if err != nil {
		writeError(w, "lot not found", http.StatusNotFound)
		return
	}
	if parent.RequestType != model.RequestPurchase {
		writeError(w, "sales can only be created against purchase lots", http.StatusConflict)
		return
	}

	sale := &model.Lot{
		ID:                uuid.New().String(),
		BusinessID:        req.BusinessID,
		RequestType:       model.RequestSale,
		Status:            model.LotPending,
		RequestedQuantity: req.Quantity,
		Material:          parent.Material,
		RelatedLotID:      lotID,
		CreatedAt:         time.Now().UTC(),
	}

	err = s.store.CommitSale(ctx, sale, func(view *reconcile.LotView) error {
		return checkRemaining(view, req.Quantity)
	})
	if err != nil {
		writeReject(w, err)
		return
	}

	metrics.SalesTotal.Inc()
	slog.Info("sale reserved",
		"sale_id", sale.ID,
		"lot", lotID,
		"qty", req.Quantity.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventMessage{
			Type:      "sale_reserved",
			LotID:     lotID,
			SaleLotID: sale.ID,
			Quantity:  req.Quantity.String(),
		})
	}

	writeJSON(w, http.StatusCreated, sale)
}

// CreateContributions handles POST /api/v1/contributions
// Validates a batch of proposed contributions against the target's
// material requirements (all-or-nothing) and each lot's remaining
// quantity, then commits them one lot at a time under row locks.
func (s *Service) CreateContributions(w http.ResponseWriter, r *http.Request) {
	var req CreateContributionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case model.ContributePool, model.ContributeContract, model.ContributeProductionPayment:
	default:
		writeError(w, "contribution_type must be POOL, CONTRACT or PRODUCTION_PAYMENT", http.StatusBadRequest)
		return
	}
	if req.TargetID == "" {
		writeError(w, "target_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Contributions) == 0 {
		writeError(w, "contributions must not be empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// First pass: resolve lots, check remaining capacity, build proposals.
	proposals := make([]requirement.Proposal, 0, len(req.Contributions))
	for _, line := range req.Contributions {
		if !line.Quantity.IsPositive() {
			writeError(w, "contribution quantity must be positive", http.StatusBadRequest)
			return
		}

		view, err := s.store.LoadLotView(ctx, line.LotID, false)
		if err != nil {
			writeError(w, "lot not found: "+line.LotID, http.StatusNotFound)
			return
		}
		lot := &view.Lot
		if lot.RequestType != model.RequestPurchase {
			writeError(w, "contributions can only draw from purchase lots", http.StatusConflict)
			return
		}
		// Hard error on the write path: a metal lot with no recorded
		// weight cannot be safely allocated, even though usage reads
		// degrade gracefully for the same condition.
		if lot.Material.Type == model.MaterialMetal && !lot.Material.UnitWeight.IsPositive() {
			writeReject(w, reconcile.ErrMissingMaterialData)
			return
		}

		metrics.ReconciliationsTotal.WithLabelValues(string(lot.Material.Type)).Inc()
		if err := checkRemaining(view, line.Quantity); err != nil {
			writeReject(w, err)
			return
		}

		proposals = append(proposals, requirement.Proposal{
			LotID:    lot.ID,
			Material: lot.Material,
			Quantity: line.Quantity,
		})
	}

	// Second pass: material-requirement matching, all-or-nothing.
	if len(req.Requirements) > 0 {
		reqs := requirement.NewRequirements()
		for _, line := range req.Requirements {
			reqs.Add(line.Material, line.Weight)
		}
		if err := requirement.Validate(reqs, proposals); err != nil {
			writeReject(w, err)
			return
		}
	}

	// Commit pass: each contribution re-validates under its lot's lock.
	created := make([]model.Contribution, 0, len(proposals))
	for i := range proposals {
		p := &proposals[i]

		c := &model.Contribution{
			ID:         uuid.New().String(),
			LotID:      p.LotID,
			BusinessID: req.BusinessID,
			Quantity:   p.Quantity,
			Type:       req.Type,
			Status:     model.ContributionPending,
			CreatedAt:  time.Now().UTC(),
		}
		switch req.Type {
		case model.ContributePool:
			c.PoolID = req.TargetID
		case model.ContributeContract:
			c.ContractID = req.TargetID
		case model.ContributeProductionPayment:
			c.ProductionPaymentID = req.TargetID
		}

		err := s.store.CommitContribution(ctx, c, func(view *reconcile.LotView) error {
			return checkRemaining(view, p.Quantity)
		})
		if err != nil {
			writeReject(w, err)
			return
		}

		metrics.ContributionsTotal.WithLabelValues(string(req.Type)).Inc()
		created = append(created, *c)

		slog.Info("contribution committed",
			"id", c.ID,
			"lot", c.LotID,
			"type", c.Type,
			"target", c.Target(),
			"qty", c.Quantity.String(),
		)

		if s.wsHub != nil {
			s.wsHub.Broadcast(EventMessage{
				Type:           "contribution_committed",
				LotID:          c.LotID,
				ContributionID: c.ID,
				Target:         c.Target(),
				Quantity:       c.Quantity.String(),
				Status:         string(c.Status),
			})
		}
	}

	writeJSON(w, http.StatusCreated, created)
}

// GetContributionUsage handles GET /api/v1/contributions/{contributionID}/usage
// Returns the used/unused breakdown. Missing material data degrades to a
// zeroed breakdown here — this is a read-only summary, not a gate.
func (s *Service) GetContributionUsage(w http.ResponseWriter, r *http.Request) {
	contributionID := chi.URLParam(r, "contributionID")
	ctx := r.Context()

	c, err := s.store.GetContribution(ctx, contributionID)
	if err != nil {
		writeError(w, "contribution not found", http.StatusNotFound)
		return
	}

	view, err := s.store.LoadLotView(ctx, c.LotID, true)
	if err != nil {
		writeError(w, "lot not found", http.StatusNotFound)
		return
	}

	usage, err := reconcile.ContributionUsage(view, c)
	if err != nil {
		slog.Warn("usage degraded to zero", "contribution", contributionID, "err", err)
		usage = &reconcile.Usage{Material: view.Lot.Material.Type}
	}
	writeJSON(w, http.StatusOK, usage)
}

// contributionTransitions lists the allowed status moves. Termination only
// applies to approved contributions; rejection releases everything.
var contributionTransitions = map[model.ContributionStatus][]model.ContributionStatus{
	model.ContributionPending:       {model.ContributionAdminApproved, model.ContributionApproved, model.ContributionRejected},
	model.ContributionAdminApproved: {model.ContributionApproved, model.ContributionRejected},
	model.ContributionApproved:      {model.ContributionTerminated},
}

// UpdateContributionStatus handles POST /api/v1/contributions/{contributionID}/status
func (s *Service) UpdateContributionStatus(w http.ResponseWriter, r *http.Request) {
	contributionID := chi.URLParam(r, "contributionID")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	c, err := s.store.GetContribution(ctx, contributionID)
	if err != nil {
		writeError(w, "contribution not found", http.StatusNotFound)
		return
	}

	allowed := false
	for _, next := range contributionTransitions[c.Status] {
		if next == req.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		writeError(w, "invalid status transition "+string(c.Status)+" -> "+string(req.Status), http.StatusConflict)
		return
	}

	if err := s.store.UpdateContributionStatus(ctx, contributionID, req.Status); err != nil {
		writeError(w, "failed to update status", http.StatusInternalServerError)
		return
	}

	slog.Info("contribution status changed",
		"id", contributionID,
		"from", c.Status,
		"to", req.Status,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventMessage{
			Type:           "contribution_status_changed",
			LotID:          c.LotID,
			ContributionID: contributionID,
			Status:         string(req.Status),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     contributionID,
		"status": req.Status,
	})
}

// PlanContributions handles POST /api/v1/contributions/plan
// Dry-runs the automatic assignment of candidate lots to requirement
// lines. Nothing is persisted.
func (s *Service) PlanContributions(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Requirements) == 0 {
		writeError(w, "requirements must not be empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	candidates := make([]requirement.Candidate, 0, len(req.LotIDs))
	for _, lotID := range req.LotIDs {
		view, err := s.store.LoadLotView(ctx, lotID, false)
		if err != nil {
			writeError(w, "lot not found: "+lotID, http.StatusNotFound)
			return
		}
		remaining, ok := reconcile.RemainingQuantity(view)
		if !ok {
			continue // sale lots carry no remaining of their own
		}
		metrics.ReconciliationsTotal.WithLabelValues(string(view.Lot.Material.Type)).Inc()
		candidates = append(candidates, requirement.Candidate{
			LotID:     view.Lot.ID,
			Material:  view.Lot.Material,
			Remaining: remaining,
		})
	}

	lines := make([]requirement.Line, 0, len(req.Requirements))
	for _, l := range req.Requirements {
		lines = append(lines, requirement.Line{Spec: l.Material, Weight: l.Weight})
	}

	plan, err := requirement.Plan(lines, candidates)
	if err != nil {
		writeReject(w, err)
		return
	}
	if plan == nil {
		plan = []requirement.Assignment{}
	}
	writeJSON(w, http.StatusOK, plan)
}

// checkRemaining verifies a quantity fits within a lot's remaining
// capacity as the reconciliation engine sees it.
func checkRemaining(view *reconcile.LotView, qty decimal.Decimal) error {
	remaining, ok := reconcile.RemainingQuantity(view)
	if !ok {
		return ErrSaleLot
	}
	if qty.GreaterThan(remaining) {
		return errors.Join(ErrInsufficientRemaining,
			errors.New("requested "+qty.String()+", remaining "+remaining.String()))
	}
	return nil
}

// writeReject maps domain rejections to HTTP responses and records the
// rejection reason.
func writeReject(w http.ResponseWriter, err error) {
	reason := "internal"
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, requirement.ErrMaterialMismatch):
		reason, status = "material_mismatch", http.StatusBadRequest
	case errors.Is(err, requirement.ErrExceedsRequirement):
		reason, status = "exceeds_limit", http.StatusConflict
	case errors.Is(err, requirement.ErrInsufficientAssets):
		reason, status = "insufficient_total", http.StatusConflict
	case errors.Is(err, requirement.ErrUnfulfillable):
		reason, status = "unfulfillable", http.StatusConflict
	case errors.Is(err, ErrInsufficientRemaining):
		reason, status = "insufficient_remaining", http.StatusConflict
	case errors.Is(err, ErrSaleLot):
		reason, status = "sale_lot", http.StatusConflict
	case errors.Is(err, reconcile.ErrMissingMaterialData):
		reason, status = "missing_material_data", http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		reason, status = "not_found", http.StatusNotFound
	}

	if reason != "internal" && reason != "not_found" {
		metrics.ContributionRejections.WithLabelValues(reason).Inc()
	}
	writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
