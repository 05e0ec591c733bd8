/*
handlers.go - HTTP API handlers for the sales performance engine

PURPOSE:
  Exposes ingestion, rules, ledger, renewals and snapshots over REST.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Ingestion:
    POST   /api/ingest/incremental       Trigger incremental sync
    POST   /api/ingest/backfill          Trigger historical backfill
    GET    /api/ingest/runs              Run history

  Contracts:
    GET    /api/contracts?month=YYYY-MM  List a month's contracts
    GET    /api/contracts/{id}           Get one contract
    GET    /api/customers/{holderId}     Get a holder rollup

  Rules:
    GET    /api/rules                    List versions
    POST   /api/rules                    Create version
    GET    /api/rules/resolve?date=      Version effective on a date
    GET    /api/rules/{id}               Get version by id

  Ledger:
    GET    /api/ledger/{month}           Current entries for a month
    POST   /api/months/{month}/close     Close a month
    POST   /api/months/{month}/reopen    Reopen a month

  Renewals:
    GET    /api/renewals?ref=YYYY-MM-DD  Risk report
    POST   /api/renewals/actions         Record a pipeline action

  Snapshots:
    POST   /api/snapshots/build          Compute and persist a snapshot
    GET    /api/snapshots/period         Multi-month period document
    GET    /api/snapshots/{month}        Latest snapshot document
    GET    /api/snapshots/{month}/compare/{other}  Diff two snapshots

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unknown rules override
  - 404: Resource not found
  - 409: Conflict (closed month, duplicate version, incompatible snapshots)
  - 503: Upstream source unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/snapshot"
)

// Handler holds every dependency the API surface needs.
type Handler struct {
	contracts contract.Store
	customers contract.CustomerStore
	rules     *rules.Resolver
	engine    *ledger.Engine
	entries   ledger.Store
	locks     ledger.LockStore
	matcher   *renewal.Matcher
	actions   renewal.ActionStore
	orch      *ingest.Orchestrator
	runs      ingest.RunStore
	builder   *snapshot.Builder
	snaps     snapshot.Store
	logger    *zap.Logger
}

type HandlerDeps struct {
	Contracts contract.Store
	Customers contract.CustomerStore
	Rules     *rules.Resolver
	Engine    *ledger.Engine
	Entries   ledger.Store
	Locks     ledger.LockStore
	Matcher   *renewal.Matcher
	Actions   renewal.ActionStore
	Orch      *ingest.Orchestrator
	Runs      ingest.RunStore
	Builder   *snapshot.Builder
	Snaps     snapshot.Store
	Logger    *zap.Logger
}

func NewHandler(d HandlerDeps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		contracts: d.Contracts,
		customers: d.Customers,
		rules:     d.Rules,
		engine:    d.Engine,
		entries:   d.Entries,
		locks:     d.Locks,
		matcher:   d.Matcher,
		actions:   d.Actions,
		orch:      d.Orch,
		runs:      d.Runs,
		builder:   d.Builder,
		snaps:     d.Snaps,
		logger:    logger,
	}
}

// =============================================================================
// INGESTION
// =============================================================================

func (h *Handler) TriggerIncremental(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.RunIncremental(r.Context())
	h.respondRun(w, run, err)
}

func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, okFrom := contract.ParseDate(req.From)
	to, okTo := contract.ParseDate(req.To)
	if !okFrom || !okTo || to.Before(from) {
		writeError(w, http.StatusBadRequest, "Invalid from/to range (use YYYY-MM-DD)", nil)
		return
	}
	run, err := h.orch.RunBackfill(r.Context(), from, to)
	h.respondRun(w, run, err)
}

// respondRun returns the run row even when ingestion degraded: STALE_DATA
// and FAILED are run states the client reads, not transport errors.
func (h *Handler) respondRun(w http.ResponseWriter, run *ingest.Run, err error) {
	if run == nil {
		writeError(w, http.StatusInternalServerError, "Failed to start ingestion run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CONTRACTS AND CUSTOMERS
// =============================================================================

func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	month := contract.MonthRef(r.URL.Query().Get("month"))
	if month == "" {
		writeError(w, http.StatusBadRequest, "month query parameter is required (YYYY-MM)", nil)
		return
	}
	list, err := h.contracts.ListByMonth(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list contracts", err)
		return
	}
	dtos := make([]ContractDTO, 0, len(list))
	for _, c := range list {
		dtos = append(dtos, toContractDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.contracts.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get contract", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Contract not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.customers.Get(r.Context(), chi.URLParam(r, "holderId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get customer", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// =============================================================================
// RULES
// =============================================================================

func (h *Handler) ListRuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.rules.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules versions", err)
		return
	}
	dtos := make([]RuleVersionDTO, 0, len(versions))
	for _, v := range versions {
		dtos = append(dtos, toRuleVersionDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRuleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.rules.ByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rules version", err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "Rules version not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRuleVersionDTO(v))
}

func (h *Handler) ResolveRuleVersion(w http.ResponseWriter, r *http.Request) {
	date, ok := contract.ParseDate(r.URL.Query().Get("date"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", nil)
		return
	}
	v, err := h.rules.ForDate(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve rules version", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleVersionDTO(v))
}

func (h *Handler) CreateRuleVersion(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	v, err := versionFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rules version", err)
		return
	}
	if err := h.rules.Create(r.Context(), v, req.AllowRetroactive); err != nil {
		switch {
		case errors.Is(err, rules.ErrDuplicateVersion):
			writeError(w, http.StatusConflict, "Rules version id already exists", err)
		case errors.Is(err, rules.ErrRetroactiveChange):
			writeError(w, http.StatusBadRequest, "Retroactive effective_from requires allow_retroactive", err)
		default:
			writeError(w, http.StatusBadRequest, "Failed to create rules version", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toRuleVersionDTO(v))
}

func versionFromRequest(req CreateRuleVersionRequest) (*rules.Version, error) {
	if req.ID == "" || req.ID == "default" {
		return nil, errors.New("id is required and must not be \"default\"")
	}
	from, ok := contract.ParseDate(req.EffectiveFrom)
	if !ok {
		return nil, errors.New("effective_from must be YYYY-MM-DD")
	}
	goal, ok := contract.ParseMoney(req.MonthlyGoal)
	if !ok {
		return nil, errors.New("monthly_goal must be a decimal amount")
	}

	// Unspecified weights and bonuses inherit the defaults.
	base := rules.DefaultVersion()
	v := &rules.Version{
		ID:            req.ID,
		EffectiveFrom: from,
		MonthlyGoal:   goal,
		WorkingDays:   req.WorkingDays,
		BranchWeights: base.BranchWeights,
		Bonuses:       base.Bonuses,
		PenaltyLock:   base.PenaltyLock,
		Note:          req.Note,
		CreatedBy:     req.CreatedBy,
	}
	if v.WorkingDays == 0 {
		v.WorkingDays = base.WorkingDays
	}
	if req.PenaltyLock != nil {
		v.PenaltyLock = *req.PenaltyLock
	}
	if len(req.BranchWeights) > 0 {
		weights := map[contract.Branch]decimal.Decimal{}
		for branch, raw := range req.BranchWeights {
			w, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, errors.New("branch weight for " + branch + " must be a decimal")
			}
			weights[contract.Branch(branch)] = w
		}
		v.BranchWeights = weights
	}
	if len(req.Bonuses) > 0 {
		bonuses := map[rules.BonusKind]decimal.Decimal{}
		for kind, raw := range req.Bonuses {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, errors.New("bonus amount for " + kind + " must be a decimal")
			}
			bonuses[rules.BonusKind(kind)] = amount
		}
		v.Bonuses = bonuses
	}
	return v, nil
}

// =============================================================================
// LEDGER AND MONTH LOCKS
// =============================================================================

func (h *Handler) ListLedgerMonth(w http.ResponseWriter, r *http.Request) {
	month := contract.MonthRef(chi.URLParam(r, "month"))
	scenario := r.URL.Query().Get("scenario")
	entries, err := h.entries.ListMonth(r.Context(), month, scenario)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list ledger entries", err)
		return
	}
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

type ComputeRequest struct {
	Scenario     string `json:"scenario"`
	RulesVersion string `json:"rules_version"`
	Force        bool   `json:"force"`
}

// ComputeLedger recomputes a month's XP without building a snapshot, for
// scenario runs and rules dry-runs.
func (h *Handler) ComputeLedger(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	month := contract.MonthRef(chi.URLParam(r, "month"))
	result, err := h.engine.ComputeMonth(r.Context(), ledger.ComputeInput{
		Month:          month,
		Scenario:       req.Scenario,
		RulesVersionID: req.RulesVersion,
		Force:          req.Force,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrMonthClosed):
			writeError(w, http.StatusConflict, "Month is closed; use force to recompute", err)
		case errors.Is(err, ledger.ErrUnknownRulesVersion):
			writeError(w, http.StatusBadRequest, "Unknown rules version", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to compute ledger", err)
		}
		return
	}
	dtos := make([]EntryDTO, 0, len(result.Entries))
	for _, e := range result.Entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month":         string(result.Month),
		"scenario":      result.Scenario,
		"rules_version": result.RulesVersion,
		"computed":      result.Computed,
		"appended":      result.Appended,
		"unchanged":     result.Unchanged,
		"entries":       dtos,
	})
}

func (h *Handler) CloseMonth(w http.ResponseWriter, r *http.Request) {
	// Body is optional; an empty body closes with no attribution.
	var req CloseMonthRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	month := contract.MonthRef(chi.URLParam(r, "month"))
	if err := h.locks.Close(r.Context(), month, req.By); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to close month", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"month": string(month), "status": "closed"})
}

func (h *Handler) ReopenMonth(w http.ResponseWriter, r *http.Request) {
	month := contract.MonthRef(chi.URLParam(r, "month"))
	if err := h.locks.Reopen(r.Context(), month); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reopen month", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"month": string(month), "status": "open"})
}

// =============================================================================
// RENEWALS
// =============================================================================

func (h *Handler) RenewalReport(w http.ResponseWriter, r *http.Request) {
	ref := contract.DateOf(time.Now().UTC())
	if raw := r.URL.Query().Get("ref"); raw != "" {
		parsed, ok := contract.ParseDate(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid ref date (use YYYY-MM-DD)", nil)
			return
		}
		ref = parsed
	}
	all, err := h.contracts.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load contracts", err)
		return
	}
	report, err := h.matcher.Analyze(r.Context(), all, ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to analyze renewals", err)
		return
	}
	writeJSON(w, http.StatusOK, toRenewalReportDTO(report))
}

func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var req RecordActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ContractID == "" || req.Stage == "" {
		writeError(w, http.StatusBadRequest, "contract_id and stage are required", nil)
		return
	}
	c, err := h.contracts.GetByID(r.Context(), req.ContractID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load contract", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Contract not found", nil)
		return
	}
	action := &renewal.Action{
		ID:         ulid.Make().String(),
		ContractID: req.ContractID,
		Stage:      req.Stage,
		Justified:  req.Justified,
		Note:       req.Note,
		RecordedBy: req.RecordedBy,
		RecordedAt: time.Now().UTC(),
	}
	if err := h.actions.Insert(r.Context(), action); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record action", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": action.ID})
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (h *Handler) BuildSnapshot(w http.ResponseWriter, r *http.Request) {
	var req BuildSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	month := contract.MonthRef(req.Month)
	if month == "" {
		writeError(w, http.StatusBadRequest, "month is required (YYYY-MM)", nil)
		return
	}
	doc, err := h.builder.Build(r.Context(), snapshot.BuildInput{
		Month:          month,
		Scenario:       req.Scenario,
		RulesVersionID: req.RulesVersion,
		Force:          req.Force,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrMonthClosed):
			writeError(w, http.StatusConflict, "Month is closed; use force to rebuild", err)
		case errors.Is(err, ledger.ErrUnknownRulesVersion):
			writeError(w, http.StatusBadRequest, "Unknown rules version", err)
		case errors.Is(err, snapshot.ErrInvalidDocument):
			writeError(w, http.StatusInternalServerError, "Snapshot failed validation", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to build snapshot", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PeriodSnapshot builds a multi-month document on demand. Period
// documents are never persisted, so there is no GET-by-key variant.
func (h *Handler) PeriodSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end, err := contract.ParseMonthRef(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end is required (YYYY-MM)", err)
		return
	}
	months := 3
	if raw := q.Get("months"); raw != "" {
		months, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "months must be an integer", err)
			return
		}
	}
	doc, err := h.builder.BuildPeriod(r.Context(), snapshot.PeriodInput{
		End:            end,
		Months:         months,
		Scenario:       q.Get("scenario"),
		RulesVersionID: q.Get("rules_version"),
		Force:          q.Get("force") == "true",
	})
	if err != nil {
		switch {
		case errors.Is(err, snapshot.ErrInvalidPeriod):
			writeError(w, http.StatusBadRequest, "Invalid period window", err)
		case errors.Is(err, ledger.ErrMonthClosed):
			writeError(w, http.StatusConflict, "End month is closed; use force to rebuild", err)
		case errors.Is(err, ledger.ErrUnknownRulesVersion):
			writeError(w, http.StatusBadRequest, "Unknown rules version", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to build period document", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	month := contract.MonthRef(chi.URLParam(r, "month"))
	scenario := r.URL.Query().Get("scenario")
	row, err := h.snaps.Latest(r.Context(), month, scenario)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load snapshot", err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "No snapshot for month", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(row.Doc)
}

func (h *Handler) CompareSnapshots(w http.ResponseWriter, r *http.Request) {
	scenario := r.URL.Query().Get("scenario")
	a, err := h.loadDocument(r, chi.URLParam(r, "month"), scenario)
	if err != nil {
		writeError(w, http.StatusNotFound, "Snapshot not found", err)
		return
	}
	b, err := h.loadDocument(r, chi.URLParam(r, "other"), scenario)
	if err != nil {
		writeError(w, http.StatusNotFound, "Snapshot not found", err)
		return
	}
	delta, ok := snapshot.Compare(a, b)
	if !ok {
		writeError(w, http.StatusConflict, "Snapshots are not comparable (version or money unit differs)", nil)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (h *Handler) loadDocument(r *http.Request, month, scenario string) (*snapshot.Document, error) {
	row, err := h.snaps.Latest(r.Context(), contract.MonthRef(month), scenario)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errors.New("no snapshot for " + month)
	}
	var doc snapshot.Document
	if err := json.Unmarshal(row.Doc, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
