package api

import (
	"github.com/shopspring/decimal"
)

// displayAmount renders a minor-unit amount in major units, e.g. 12345 with
// exponent 2 becomes "123.45".
func displayAmount(amount int64, exponent int32) string {
	return decimal.New(amount, -exponent).StringFixed(exponent)
}

// amountDisplay holds the major-unit rendering of an amount-bearing response.
type amountDisplay map[string]string

func (h *CampaignHandlers) displayAmounts(amounts map[string]int64) amountDisplay {
	out := make(amountDisplay, len(amounts))
	for name, amount := range amounts {
		out[name] = displayAmount(amount, h.currencyExponent)
	}
	return out
}
