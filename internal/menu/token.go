// Package menu implements the callback-driven menu state machine:
// per-user finite state with bounded history, the colon-delimited
// callback token grammar, and the buy/sell wizard flows.
package menu

import "strings"

// MaxTokenBytes bounds every callback token the menu emits.
const MaxTokenBytes = 64

// Closed set of reserved callback actions.
const (
	ActionMenu     = "menu"
	ActionSearch   = "search"
	ActionMarket   = "market"
	ActionBuy      = "buy"
	ActionSell     = "sell"
	ActionLimitBuy = "limitb"
	ActionLimitSel = "limits"
	ActionOrder    = "order"
	ActionPos      = "pos"
	ActionCancel   = "cancel"
	ActionOrders   = "orders"
	ActionWallet   = "wallet"
	ActionCopy     = "copy"
	ActionRefresh  = "refresh"
	ActionBack     = "back"
	ActionNoop     = "noop"
	ActionFind     = "find"
	ActionQuickBuy = "quickbuy"
)

// BuildToken joins action and params with ":", defensively truncating
// the final parameter until the result fits MaxTokenBytes.
func BuildToken(action string, params ...string) string {
	parts := append([]string{action}, params...)
	token := strings.Join(parts, ":")
	for len(token) > MaxTokenBytes && len(parts) > 1 {
		last := parts[len(parts)-1]
		if len(last) <= 1 {
			parts = parts[:len(parts)-1]
		} else {
			parts[len(parts)-1] = last[:len(last)-1]
		}
		token = strings.Join(parts, ":")
	}
	if len(token) > MaxTokenBytes {
		token = token[:MaxTokenBytes]
	}
	return token
}

// ParseToken splits a callback token into its action and parameters.
func ParseToken(token string) (action string, params []string) {
	parts := strings.Split(token, ":")
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
