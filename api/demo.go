/*
demo.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos and frontend development. Each scenario seeds contracts,
	renewal actions, and rules versions that demonstrate specific features.

AVAILABLE SCENARIOS:

	starter-book:       One salesperson, a small book across three branches
	cross-sell-journey: A holder going monoproduct -> multi-branch -> combo
	renewal-pipeline:   Contracts landing in every renewal bucket plus a
	                    black-list case with a justified pipeline action

HOW SCENARIOS WORK:
 1. Generate a unique holder/contract suffix per load (no database reset;
    loads are additive so a demo can be layered)
 2. Insert normalized contracts directly, bypassing ingestion
 3. Insert renewal actions where the scenario needs pipeline state
 4. Compute the ledger for the seeded months

USAGE VIA API:

	POST /api/demo/load
	{"scenario_id": "cross-sell-journey"}

NOTE:

	Demo data goes through the same stores as ingested data. Only use in
	development and demo environments.

SEE ALSO:
  - handlers.go: The regular API surface the seeded data shows up in
  - server.go: /api/demo routes
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type DemoScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadDemoRequest struct {
	ScenarioID string `json:"scenario_id"`
}

var demoScenarios = []DemoScenarioDTO{
	{
		ID:          "starter-book",
		Name:        "Starter Book",
		Description: "One salesperson with AUTO, VIDA and RESID contracts in the current month",
	},
	{
		ID:          "cross-sell-journey",
		Name:        "Cross-Sell Journey",
		Description: "A monoproduct holder picking up VIDA (cross-sell + combo) over three months",
	},
	{
		ID:          "renewal-pipeline",
		Name:        "Renewal Pipeline",
		Description: "Contracts in every renewal window plus a justified black-list case",
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListDemoScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, demoScenarios)
}

func (h *Handler) LoadDemoScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadDemoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "starter-book":
		err = h.loadStarterBook(r.Context())
	case "cross-sell-journey":
		err = h.loadCrossSellJourney(r.Context())
	case "renewal-pipeline":
		err = h.loadRenewalPipeline(r.Context())
	default:
		writeError(w, http.StatusNotFound, "Unknown scenario id", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": req.ScenarioID, "status": "loaded"})
}

// =============================================================================
// SEEDING
// =============================================================================

// demoContract fills the fields the normalizer would have produced. The
// row hash is computed the same way so reconciliation stays coherent if a
// real ingest runs on top of demo data.
func demoContract(id, holder, product string, branch contract.Branch, seller string, start contract.Date, months int, premium string) *contract.Contract {
	end := contract.DateOf(start.Time.AddDate(0, months, 0))
	prem, _ := decimal.NewFromString(premium)
	commission := prem.Div(decimal.NewFromInt(5))
	c := &contract.Contract{
		ID:            id,
		SourceID:      id,
		HolderID:      holder,
		Product:       product,
		Branch:        branch,
		Insurer:       "Porto",
		StartDate:     &start,
		EndDate:       &end,
		Premium:       prem,
		Commission:    commission,
		CommissionPct: commission.Div(prem).Mul(decimal.NewFromInt(100)),
		SalespersonID: seller,
		Status:        "ATIVO",
		MonthRef:      start.Month(),
		ModifiedAt:    time.Now().UTC(),
	}
	c.RowHash = contract.RowHash(c)
	return c
}

func (h *Handler) seed(ctx context.Context, contracts []*contract.Contract, months ...contract.MonthRef) error {
	for _, c := range contracts {
		if err := h.contracts.Insert(ctx, c); err != nil {
			if errors.Is(err, contract.ErrDuplicateID) {
				continue
			}
			return err
		}
	}
	for _, m := range months {
		if _, err := h.engine.ComputeMonth(ctx, ledger.ComputeInput{Month: m}); err != nil {
			return fmt.Errorf("computing seeded month %s: %w", m, err)
		}
	}
	return nil
}

func demoSuffix() string {
	return ulid.Make().String()[20:]
}

func (h *Handler) loadStarterBook(ctx context.Context) error {
	sfx := demoSuffix()
	month := contract.Today().Month()
	start := month.First()

	return h.seed(ctx, []*contract.Contract{
		demoContract("DEMO-A1-"+sfx, "Oficina Central "+sfx, "Seguro Auto Frota", contract.BranchAuto, "demo-v1", start, 12, "4800"),
		demoContract("DEMO-A2-"+sfx, "Mercado Bonfim "+sfx, "Seguro Auto", contract.BranchAuto, "demo-v1", start.AddDays(3), 12, "2200"),
		demoContract("DEMO-V1-"+sfx, "Helena Prado "+sfx, "Seguro de Vida", contract.BranchVida, "demo-v1", start.AddDays(5), 12, "1500"),
		demoContract("DEMO-R1-"+sfx, "Condominio Aurora "+sfx, "Seguro Residencial", contract.BranchResid, "demo-v1", start.AddDays(8), 12, "900"),
	}, month)
}

func (h *Handler) loadCrossSellJourney(ctx context.Context) error {
	sfx := demoSuffix()
	holder := "Familia Nogueira " + sfx
	now := contract.Today().Month()
	m2 := now.Prev()
	m1 := m2.Prev()

	return h.seed(ctx, []*contract.Contract{
		// Month 1: monoproduct AUTO book.
		demoContract("DEMO-CS1-"+sfx, holder, "Seguro Auto", contract.BranchAuto, "demo-v2", m1.First(), 24, "3000"),
		// Month 2: first VIDA sale triggers cross-sell, and AUTO+VIDA the combo.
		demoContract("DEMO-CS2-"+sfx, holder, "Seguro de Vida", contract.BranchVida, "demo-v2", m2.First().AddDays(4), 24, "2000"),
		// Month 3: a third branch, no second cross-sell bonus.
		demoContract("DEMO-CS3-"+sfx, holder, "Seguro Residencial", contract.BranchResid, "demo-v2", now.First().AddDays(2), 24, "1200"),
	}, m1, m2, now)
}

func (h *Handler) loadRenewalPipeline(ctx context.Context) error {
	sfx := demoSuffix()
	today := contract.Today()

	endingIn := func(id, holder string, days int, premium string) *contract.Contract {
		end := today.AddDays(days)
		start := end.AddYears(-1)
		c := demoContract(id, holder, "Seguro Auto", contract.BranchAuto, "demo-v3", start, 12, premium)
		c.EndDate = &end
		return c
	}

	contracts := []*contract.Contract{
		endingIn("DEMO-RN5-"+sfx, "Padaria Sol "+sfx, 4, "5000"),
		endingIn("DEMO-RN7-"+sfx, "Clinica Viver "+sfx, 6, "3600"),
		endingIn("DEMO-RN15-"+sfx, "Transporte Lima "+sfx, 12, "8000"),
		endingIn("DEMO-RN30-"+sfx, "Escola Horizonte "+sfx, 25, "2400"),
		// Already expired past the grace window: black-listed until justified.
		endingIn("DEMO-RNBL-"+sfx, "Hotel Mirante "+sfx, -45, "6000"),
	}
	if err := h.seed(ctx, contracts); err != nil {
		return err
	}

	// Pipeline state: one contract with an outreach note, the black-list
	// case justified so its salesperson is not penalized.
	actions := []*renewal.Action{
		{
			ID:         ulid.Make().String(),
			ContractID: "DEMO-RN7-" + sfx,
			Stage:      "proposta enviada",
			Note:       "aguardando retorno do cliente",
			RecordedBy: "demo-v3",
			RecordedAt: time.Now().UTC(),
		},
		{
			ID:         ulid.Make().String(),
			ContractID: "DEMO-RNBL-" + sfx,
			Stage:      "perda justificada",
			Justified:  true,
			Note:       "hotel fechou a unidade",
			RecordedBy: "demo-v3",
			RecordedAt: time.Now().UTC(),
		},
	}
	for _, a := range actions {
		if err := h.actions.Insert(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
