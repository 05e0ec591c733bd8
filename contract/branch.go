package contract

import "strings"

// branchKeywords maps product-name fragments to branches. Matching is
// case-insensitive substring search, first hit wins; anything unmatched
// lands in OUTROS.
var branchKeywords = []struct {
	keyword string
	branch  Branch
}{
	{"auto", BranchAuto},
	{"veic", BranchAuto},
	{"carro", BranchAuto},
	{"moto", BranchAuto},
	{"frota", BranchAuto},
	{"caminh", BranchAuto},
	{"vida", BranchVida},
	{"prestamista", BranchVida},
	{"acidentes pessoais", BranchVida},
	{"resid", BranchResid},
	{"imobili", BranchResid},
	{"casa", BranchResid},
	{"condomin", BranchCond},
	{"cond.", BranchCond},
	{"empres", BranchEmp},
	{"garantia", BranchEmp},
	{"responsabilidade", BranchEmp},
	{"rc profissional", BranchEmp},
}

// ClassifyBranch maps a free-text product description to the branch taxonomy.
func ClassifyBranch(product string) Branch {
	p := strings.ToLower(strings.TrimSpace(product))
	if p == "" {
		return BranchOutros
	}
	for _, bk := range branchKeywords {
		if strings.Contains(p, bk.keyword) {
			return bk.branch
		}
	}
	return BranchOutros
}
