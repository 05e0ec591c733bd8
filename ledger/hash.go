package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/rules"
)

// inputHash fingerprints the computation inputs so unchanged recomputations
// can be detected without diffing whole entries.
func inputHash(c *contract.Contract, v *rules.Version, e *Entry) string {
	parts := []string{
		c.RowHash,
		c.SalespersonID,
		string(e.Month),
		e.Scenario,
		v.ID,
		e.Base.StringFixed(4),
		e.Bonus.StringFixed(4),
		strings.Join(e.Reasons, ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
