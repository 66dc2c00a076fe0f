package payments

import "paychat_backend/internal/domain"

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	Code    string
	Credits domain.Credits
}

var creditPackages = map[string]CreditPackage{
	"small":  {Code: "small", Credits: 1_000},
	"medium": {Code: "medium", Credits: 5_000},
	"large":  {Code: "large", Credits: 12_000},
}

// LookupPackage returns the package for code.
func LookupPackage(code string) (CreditPackage, bool) {
	p, ok := creditPackages[code]
	return p, ok
}
