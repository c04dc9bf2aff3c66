package menu

import (
	"fmt"

	"github.com/lattice-run/convoy/internal/channels"
)

// RenderResult is what a handler returns: text plus an inline keyboard,
// matching OutgoingMessage's shape so the adapter can send or edit it
// directly.
type RenderResult struct {
	Text      string
	Buttons   [][]channels.Button
	ParseMode channels.ParseMode
	NextMenu  string
}

// noop is the sentinel result for the "noop" action: dispatch must do
// nothing and return, issuing no edit.
var noopResult = RenderResult{}

// IsNoop reports whether r carries no text and should be treated as a
// no-op: empty text means skip the edit.
func (r RenderResult) IsNoop() bool { return r.Text == "" }

// errorCard renders the single-button "Main Menu" error card every
// handler exception or validation failure falls back to.
func errorCard(message string) RenderResult {
	return RenderResult{
		Text:     message,
		Buttons:  [][]channels.Button{{{Text: "Main Menu", CallbackData: BuildToken(ActionMenu, "main")}}},
		NextMenu: "main",
	}
}

// SizeTiers is the fixed set of USD size options offered at size_select,
// plus a trailing "custom" option.
var SizeTiers = []float64{10, 25, 50, 100, 250, 500, 1000}

// MaxCustomSizeUSD is the upper bound on a custom order size: "$10000"
// is accepted, "$10000.01" is rejected.
const MaxCustomSizeUSD = 10000

// priceTierOffsetsCents are the six offsets around the live price the
// limit-order price_select step presents, offset from the live outcome
// price. The literal zero offset is folded into the menu's "use current
// price" label rather than a seventh duplicate entry, giving exactly six
// distinct choices — see DESIGN.md for the rationale.
var priceTierOffsetsCents = []int{-20, -10, -5, 5, 10, 20}

// PriceTiers returns the six clamped limit-price choices around
// currentPrice, clamped to [0.01, 0.99].
func PriceTiers(currentPrice float64) []float64 {
	tiers := make([]float64, 0, len(priceTierOffsetsCents))
	for _, cents := range priceTierOffsetsCents {
		p := currentPrice + float64(cents)/100
		tiers = append(tiers, clampPrice(p))
	}
	return tiers
}

func clampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

// formatUSD renders a dollar amount for button labels.
func formatUSD(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("$%d", int64(v))
	}
	return fmt.Sprintf("$%.2f", v)
}

// formatCents renders a price in cents for button labels.
func formatCents(p float64) string {
	return fmt.Sprintf("%d¢", int(p*100+0.5))
}
