// Package collab declares the external collaborator interfaces the
// gateway core depends on but does not implement: market data, order
// execution, the LLM agent, credential storage, and copy-trading. These
// are wired by cmd/gatewayd/main.go to concrete implementations that
// live outside this module.
package collab

import "context"

// Market is a minimal snapshot of a tradable market as seen by the core.
type Market struct {
	ID         string
	Platform   string
	Question   string
	LastPrice  float64
	TokenIDYes string
	TokenIDNo  string
}

// FeedManager exposes read-only market data. The core never mutates feed
// state; it only reads current prices and searches.
type FeedManager interface {
	GetMarket(ctx context.Context, id, platform string) (*Market, error)
	SearchMarkets(ctx context.Context, query, platform string) ([]Market, error)
}

// ExecutionResult carries the outcome of an order placement or
// cancellation against the execution collaborator.
type ExecutionResult struct {
	Success       bool
	OrderID       string
	Status        string
	AvgFillPrice  float64
	FilledSize    float64
	Error         string
}

// ExecutionService places and manages orders on behalf of paired users.
// It is an external collaborator: this module renders results, it never
// implements the trading logic itself.
type ExecutionService interface {
	MarketBuy(ctx context.Context, platform, tokenID string, usdSize float64) (ExecutionResult, error)
	MarketSell(ctx context.Context, platform, tokenID string, usdSize float64) (ExecutionResult, error)
	BuyLimit(ctx context.Context, platform, tokenID string, usdSize, price float64) (ExecutionResult, error)
	SellLimit(ctx context.Context, platform, tokenID string, usdSize, price float64) (ExecutionResult, error)
	GetOpenOrders(ctx context.Context, platform string) ([]ExecutionResult, error)
	CancelOrder(ctx context.Context, platform, orderID string) (ExecutionResult, error)
	CancelAllOrders(ctx context.Context, platform string) (ExecutionResult, error)
}

// AgentManager is the LLM collaborator that handles free-form messages
// the command registry and menu did not claim.
type AgentManager interface {
	HandleMessage(ctx context.Context, sessionID, text string) (reply string, err error)
	ReloadConfig(ctx context.Context) error
	ReloadSkills(ctx context.Context) error
	Dispose()
}

// Polymarket is the execution platform name copy-trading configs check
// credentials against; the core only ever trades Polymarket markets.
const Polymarket = "polymarket"

// CredentialsManager tracks per-wallet, per-platform execution
// credentials and their cooldown state after repeated failures.
type CredentialsManager interface {
	HasCredentials(ctx context.Context, wallet, platform string) (bool, error)
	SetCredentials(ctx context.Context, wallet, platform string, payload []byte) error
	DeleteCredentials(ctx context.Context, wallet, platform string) error
	MarkSuccess(ctx context.Context, wallet, platform string)
	MarkFailure(ctx context.Context, wallet, platform string)
	IsInCooldown(ctx context.Context, wallet, platform string) (bool, error)
	ListUserPlatforms(ctx context.Context, wallet string) ([]string, error)
}

// CopyConfig describes one copy-trading follow configuration.
type CopyConfig struct {
	ID            string
	Wallet        string
	TargetAddress string
	Active        bool
}

// CopyTradingOrchestrator manages copy-trading configs and their
// execution lifecycle; the core only CRUDs configs and reads stats.
type CopyTradingOrchestrator interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	CreateConfig(ctx context.Context, cfg CopyConfig) (CopyConfig, error)
	UpdateConfig(ctx context.Context, cfg CopyConfig) (CopyConfig, error)
	DeleteConfig(ctx context.Context, id string) error
	ToggleConfig(ctx context.Context, id string, active bool) (CopyConfig, error)
	ListConfigs(ctx context.Context, wallet string) ([]CopyConfig, error)
	GetHistory(ctx context.Context, id string) ([]byte, error)
	GetAggregatedStats(ctx context.Context, wallet string) ([]byte, error)
}
