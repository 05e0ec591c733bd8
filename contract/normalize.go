/*
normalize.go - Raw source record to canonical Contract mapping

PURPOSE:
  The source schema is externally configurable: field names differ between
  tenants and occasionally between API versions. The normalizer extracts
  fields by configured key (with an upper-case fallback), coerces dates and
  money, classifies the branch, and derives the fingerprint and advisory
  flags.

GUARANTEES:
  - Never returns an error for malformed input. An unmappable field becomes
    its zero value and contributes to Incomplete/Invalid instead. One bad
    record can therefore never abort a batch.
  - Deterministic: the same payload always yields the same Contract and the
    same RowHash.

SEE ALSO:
  - fingerprint.go: RowHash over the identity fields
  - money.go, date.go: coercion rules
*/
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIELD MAP - Configurable source schema
// =============================================================================

// FieldMap names the source payload key for each canonical field. Resolved
// once at startup from configuration; lookups fall back to the upper-cased
// key when the configured key is absent.
type FieldMap struct {
	ContractID         string `yaml:"contract_id"`
	HolderID           string `yaml:"holder_id"`
	Product            string `yaml:"product"`
	Insurer            string `yaml:"insurer"`
	EffectiveDate      string `yaml:"effective_date"`
	StartDate          string `yaml:"start_date"`
	EndDate            string `yaml:"end_date"`
	Premium            string `yaml:"premium"`
	Commission         string `yaml:"commission"`
	CommissionPct      string `yaml:"commission_pct"`
	SalespersonID      string `yaml:"salesperson_id"`
	Status             string `yaml:"status"`
	ExternalModifiedAt string `yaml:"external_modified_at"`
}

// DefaultFieldMap matches the field names the reference source emits.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		ContractID:         "numeroContrato",
		HolderID:           "segurado",
		Product:            "produto",
		Insurer:            "seguradora",
		EffectiveDate:      "dataVigencia",
		StartDate:          "dataInicio",
		EndDate:            "dataFim",
		Premium:            "premio",
		Commission:         "comissao",
		CommissionPct:      "percentualComissao",
		SalespersonID:      "vendedor",
		Status:             "status",
		ExternalModifiedAt: "dataAlteracao",
	}
}

// Validate checks that every mapping the normalizer depends on is present.
func (m FieldMap) Validate() error {
	named := map[string]string{
		"holder_id":  m.HolderID,
		"product":    m.Product,
		"insurer":    m.Insurer,
		"premium":    m.Premium,
		"commission": m.Commission,
	}
	for name, key := range named {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("field mapping %q is required", name)
		}
	}
	return nil
}

// requiredFields is the fixed set whose absence marks a contract Incomplete.
var requiredFields = []string{
	"holder_id", "product", "insurer", "premium", "commission", "salesperson_id",
}

// =============================================================================
// NORMALIZER
// =============================================================================

type Normalizer struct {
	fields FieldMap
	source string
}

func NewNormalizer(fields FieldMap, source string) *Normalizer {
	return &Normalizer{fields: fields, source: source}
}

// Normalize maps one raw record into a canonical Contract. It never fails;
// defects surface as advisory flags on the result.
func (n *Normalizer) Normalize(raw RawRecord) Contract {
	var payload map[string]any
	// A payload that is not a JSON object yields an all-empty contract,
	// which the flags below classify as invalid and incomplete.
	_ = json.Unmarshal(raw.Payload, &payload)

	c := Contract{
		SourceID:      strings.TrimSpace(lookupString(payload, n.fields.ContractID)),
		HolderID:      strings.TrimSpace(lookupString(payload, n.fields.HolderID)),
		Product:       strings.TrimSpace(lookupString(payload, n.fields.Product)),
		Insurer:       strings.TrimSpace(lookupString(payload, n.fields.Insurer)),
		SalespersonID: strings.TrimSpace(lookupString(payload, n.fields.SalespersonID)),
		Status:        strings.ToUpper(strings.TrimSpace(lookupString(payload, n.fields.Status))),
	}
	if c.SourceID == "" && raw.SourceID != "" {
		c.SourceID = raw.SourceID
	}

	c.EffectiveDate = lookupDate(payload, n.fields.EffectiveDate)
	c.StartDate = lookupDate(payload, n.fields.StartDate)
	c.EndDate = lookupDate(payload, n.fields.EndDate)

	c.Premium = lookupMoney(payload, n.fields.Premium)
	c.Commission = lookupMoney(payload, n.fields.Commission)
	c.CommissionPct = lookupMoney(payload, n.fields.CommissionPct)

	if ts := lookupString(payload, n.fields.ExternalModifiedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			c.ExternalModifiedAt = t.UTC()
		} else if d, ok := ParseDate(ts); ok {
			c.ExternalModifiedAt = d.Time
		}
	}

	c.Branch = ClassifyBranch(c.Product)
	c.RowHash = RowHash(&c)

	if c.SourceID != "" {
		c.ID = c.SourceID
	} else {
		c.ID = c.RowHash
		c.SyntheticID = true
	}

	if ev := c.EventDate(); ev != nil {
		c.MonthRef = ev.Month()
	} else {
		c.Invalid = true
	}

	c.MissingFields = n.missing(&c)
	c.Incomplete = len(c.MissingFields) > 0

	return c
}

func (n *Normalizer) missing(c *Contract) []string {
	var out []string
	for _, f := range requiredFields {
		var absent bool
		switch f {
		case "holder_id":
			absent = c.HolderID == ""
		case "product":
			absent = c.Product == ""
		case "insurer":
			absent = c.Insurer == ""
		case "premium":
			absent = c.Premium.IsZero()
		case "commission":
			absent = c.Commission.IsZero()
		case "salesperson_id":
			absent = c.SalespersonID == ""
		}
		if absent {
			out = append(out, f)
		}
	}
	return out
}

// Source returns the configured source name, used to key raw payload rows.
func (n *Normalizer) Source() string { return n.source }

// =============================================================================
// FIELD LOOKUP HELPERS
// =============================================================================

// lookup extracts a value by configured key, falling back to the upper-cased
// key. Some source exports upper-case every column name.
func lookup(payload map[string]any, key string) (any, bool) {
	if key == "" || payload == nil {
		return nil, false
	}
	if v, ok := payload[key]; ok {
		return v, true
	}
	if v, ok := payload[strings.ToUpper(key)]; ok {
		return v, true
	}
	return nil, false
}

func lookupString(payload map[string]any, key string) string {
	v, ok := lookup(payload, key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", v)
}

func lookupDate(payload map[string]any, key string) *Date {
	s := lookupString(payload, key)
	if d, ok := ParseDate(s); ok {
		return &d
	}
	return nil
}

func lookupMoney(payload map[string]any, key string) decimal.Decimal {
	v, ok := lookup(payload, key)
	if !ok {
		return decimal.Zero
	}
	if d, ok := MoneyFromAny(v); ok {
		return d
	}
	return decimal.Zero
}
