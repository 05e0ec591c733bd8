package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// RowHash computes the content fingerprint over a contract's identity fields:
// holder, product, insurer, start/end dates, premium and commission. It is
// the dedup key and must be stable across source identifier churn, so it
// deliberately excludes the source id, salesperson and status.
func RowHash(c *Contract) string {
	parts := []string{
		canonField(c.HolderID),
		canonField(c.Product),
		canonField(c.Insurer),
		canonDate(c.StartDate),
		canonDate(c.EndDate),
		canonMoney(c.Premium),
		canonMoney(c.Commission),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// PayloadHash fingerprints a raw payload for the content-addressed raw store.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func canonField(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func canonDate(d *Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func canonMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}
