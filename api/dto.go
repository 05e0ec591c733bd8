/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Internal decimals serialize as strings to preserve exactness; snapshot
  documents keep their own float64 wire shape (see snapshot.Document).

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - snapshot/document.go: The snapshot wire contract
*/
package api

import (
	"time"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
)

// =============================================================================
// INGESTION
// =============================================================================

type BackfillRequest struct {
	From string `json:"from"` // YYYY-MM-DD
	To   string `json:"to"`
}

type RunDTO struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Criteria   string `json:"criteria,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Status     string `json:"status"`
	Fetched    int    `json:"fetched"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Duplicates int    `json:"duplicates"`
	Detail     string `json:"detail,omitempty"`
}

func toRunDTO(r *ingest.Run) RunDTO {
	dto := RunDTO{
		ID:         r.ID,
		Kind:       r.Kind,
		Criteria:   r.Criteria,
		StartedAt:  r.StartedAt.UTC().Format(time.RFC3339),
		Status:     string(r.Status),
		Fetched:    r.Fetched,
		Inserted:   r.Inserted,
		Updated:    r.Updated,
		Duplicates: r.Duplicates,
		Detail:     r.Detail,
	}
	if !r.FinishedAt.IsZero() {
		dto.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID            string   `json:"id"`
	SourceID      string   `json:"source_id,omitempty"`
	SyntheticID   bool     `json:"synthetic_id,omitempty"`
	HolderID      string   `json:"holder_id"`
	Product       string   `json:"product"`
	Branch        string   `json:"branch"`
	Insurer       string   `json:"insurer"`
	EffectiveDate string   `json:"effective_date,omitempty"`
	StartDate     string   `json:"start_date,omitempty"`
	EndDate       string   `json:"end_date,omitempty"`
	Premium       string   `json:"premium"`
	Commission    string   `json:"commission"`
	CommissionPct string   `json:"commission_pct"`
	SalespersonID string   `json:"salesperson_id"`
	Status        string   `json:"status"`
	MonthRef      string   `json:"month_ref"`
	RowHash       string   `json:"row_hash"`
	Invalid       bool     `json:"invalid,omitempty"`
	Incomplete    bool     `json:"incomplete,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

func toContractDTO(c *contract.Contract) ContractDTO {
	dto := ContractDTO{
		ID:            c.ID,
		SourceID:      c.SourceID,
		SyntheticID:   c.SyntheticID,
		HolderID:      c.HolderID,
		Product:       c.Product,
		Branch:        string(c.Branch),
		Insurer:       c.Insurer,
		Premium:       c.Premium.String(),
		Commission:    c.Commission.String(),
		CommissionPct: c.CommissionPct.String(),
		SalespersonID: c.SalespersonID,
		Status:        c.Status,
		MonthRef:      string(c.MonthRef),
		RowHash:       c.RowHash,
		Invalid:       c.Invalid,
		Incomplete:    c.Incomplete,
		MissingFields: c.MissingFields,
	}
	if c.EffectiveDate != nil {
		dto.EffectiveDate = c.EffectiveDate.String()
	}
	if c.StartDate != nil {
		dto.StartDate = c.StartDate.String()
	}
	if c.EndDate != nil {
		dto.EndDate = c.EndDate.String()
	}
	return dto
}

type CustomerDTO struct {
	HolderID       string   `json:"holder_id"`
	FirstSeen      string   `json:"first_seen"`
	LastSeen       string   `json:"last_seen"`
	ActiveBranches []string `json:"active_branches"`
	Monoproduct    bool     `json:"monoproduct"`
}

func toCustomerDTO(c *contract.Customer) CustomerDTO {
	branches := make([]string, 0, len(c.ActiveBranches))
	for _, b := range c.ActiveBranches {
		branches = append(branches, string(b))
	}
	return CustomerDTO{
		HolderID:       c.HolderID,
		FirstSeen:      c.FirstSeen.String(),
		LastSeen:       c.LastSeen.String(),
		ActiveBranches: branches,
		Monoproduct:    c.Monoproduct,
	}
}

// =============================================================================
// RULES
// =============================================================================

type RuleVersionDTO struct {
	ID            string            `json:"id"`
	EffectiveFrom string            `json:"effective_from"`
	EffectiveTo   string            `json:"effective_to,omitempty"`
	MonthlyGoal   string            `json:"monthly_goal"`
	WorkingDays   int               `json:"working_days"`
	BranchWeights map[string]string `json:"branch_weights"`
	Bonuses       map[string]string `json:"bonuses"`
	PenaltyLock   bool              `json:"penalty_lock"`
	Note          string            `json:"note,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
}

func toRuleVersionDTO(v *rules.Version) RuleVersionDTO {
	weights := map[string]string{}
	for b, w := range v.BranchWeights {
		weights[string(b)] = w.String()
	}
	bonuses := map[string]string{}
	for k, amount := range v.Bonuses {
		bonuses[string(k)] = amount.String()
	}
	dto := RuleVersionDTO{
		ID:            v.ID,
		EffectiveFrom: v.EffectiveFrom.String(),
		MonthlyGoal:   v.MonthlyGoal.String(),
		WorkingDays:   v.WorkingDays,
		BranchWeights: weights,
		Bonuses:       bonuses,
		PenaltyLock:   v.PenaltyLock,
		Note:          v.Note,
		CreatedBy:     v.CreatedBy,
	}
	if v.EffectiveTo != nil {
		dto.EffectiveTo = v.EffectiveTo.String()
	}
	return dto
}

type CreateRuleVersionRequest struct {
	ID            string            `json:"id"`
	EffectiveFrom string            `json:"effective_from"`
	MonthlyGoal   string            `json:"monthly_goal"`
	WorkingDays   int               `json:"working_days"`
	BranchWeights map[string]string `json:"branch_weights"`
	Bonuses       map[string]string `json:"bonuses"`
	PenaltyLock   *bool             `json:"penalty_lock"`
	Note          string            `json:"note"`
	CreatedBy     string            `json:"created_by"`

	// AllowRetroactive permits an effective date in the past. Off by
	// default: retroactive rule edits silently rewrite history.
	AllowRetroactive bool `json:"allow_retroactive"`
}

// =============================================================================
// LEDGER AND RENEWALS
// =============================================================================

type EntryDTO struct {
	ID            string   `json:"id"`
	ContractID    string   `json:"contract_id"`
	Month         string   `json:"month"`
	Scenario      string   `json:"scenario,omitempty"`
	SalespersonID string   `json:"salesperson_id"`
	Base          string   `json:"base"`
	Bonus         string   `json:"bonus"`
	Total         string   `json:"total"`
	Reasons       []string `json:"reasons,omitempty"`
	RulesVersion  string   `json:"rules_version"`
	SupersedesID  string   `json:"supersedes_id,omitempty"`
	CalculatedAt  string   `json:"calculated_at"`
}

func toEntryDTO(e *ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:            e.ID,
		ContractID:    e.ContractID,
		Month:         string(e.Month),
		Scenario:      e.Scenario,
		SalespersonID: e.SalespersonID,
		Base:          e.Base.String(),
		Bonus:         e.Bonus.String(),
		Total:         e.Total.String(),
		Reasons:       e.Reasons,
		RulesVersion:  e.RulesVersion,
		SupersedesID:  e.SupersedesID,
		CalculatedAt:  e.CalculatedAt.UTC().Format(time.RFC3339),
	}
}

type RenewalItemDTO struct {
	ContractID    string `json:"contract_id"`
	HolderID      string `json:"holder_id"`
	Branch        string `json:"branch"`
	SalespersonID string `json:"salesperson_id"`
	EndDate       string `json:"end_date,omitempty"`
	DaysToEnd     int    `json:"days_to_end"`
	Stage         string `json:"stage,omitempty"`
	Probability   string `json:"probability"`
	Impact        string `json:"impact"`
}

type RenewalReportDTO struct {
	Reference string           `json:"reference"`
	D5        []RenewalItemDTO `json:"d5"`
	D7        []RenewalItemDTO `json:"d7"`
	D15       []RenewalItemDTO `json:"d15"`
	D30       []RenewalItemDTO `json:"d30"`
	BlackList []RenewalItemDTO `json:"black_list"`
}

func toRenewalReportDTO(r *renewal.Report) RenewalReportDTO {
	return RenewalReportDTO{
		Reference: r.Reference.String(),
		D5:        toRenewalItemDTOs(r.D5),
		D7:        toRenewalItemDTOs(r.D7),
		D15:       toRenewalItemDTOs(r.D15),
		D30:       toRenewalItemDTOs(r.D30),
		BlackList: toRenewalItemDTOs(r.BlackList),
	}
}

func toRenewalItemDTOs(items []renewal.Item) []RenewalItemDTO {
	out := make([]RenewalItemDTO, 0, len(items))
	for _, it := range items {
		dto := RenewalItemDTO{
			ContractID:    it.Contract.ID,
			HolderID:      it.Contract.HolderID,
			Branch:        string(it.Contract.Branch),
			SalespersonID: it.Contract.SalespersonID,
			DaysToEnd:     it.DaysToEnd,
			Stage:         it.Stage,
			Probability:   it.Probability.String(),
			Impact:        it.Impact.String(),
		}
		if it.Contract.EndDate != nil {
			dto.EndDate = it.Contract.EndDate.String()
		}
		out = append(out, dto)
	}
	return out
}

type RecordActionRequest struct {
	ContractID string `json:"contract_id"`
	Stage      string `json:"stage"`
	Justified  bool   `json:"justified"`
	Note       string `json:"note"`
	RecordedBy string `json:"recorded_by"`
}

// =============================================================================
// SNAPSHOTS AND MONTHS
// =============================================================================

type BuildSnapshotRequest struct {
	Month        string `json:"month"` // YYYY-MM
	Scenario     string `json:"scenario"`
	RulesVersion string `json:"rules_version"`
	Force        bool   `json:"force"`
}

type CloseMonthRequest struct {
	By string `json:"by"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
