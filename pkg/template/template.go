// Package template generates starter deploy files for common bot strategies.
package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind names a family of strategies with a shared config shape.
type Kind string

const (
	KindMarketMaking Kind = "pmm"
	KindCrossMaking  Kind = "xemm"
	KindDirectional  Kind = "directional"
	KindLiquidity    Kind = "clmm"
	KindScript       Kind = "script"
)

var aliases = map[string]Kind{
	"pmm":            KindMarketMaking,
	"market_making":  KindMarketMaking,
	"xemm":           KindCrossMaking,
	"cross_exchange": KindCrossMaking,
	"directional":    KindDirectional,
	"trend":          KindDirectional,
	"clmm":           KindLiquidity,
	"liquidity":      KindLiquidity,
	"script":         KindScript,
	"simple":         KindScript,
}

// DeployTemplate is the body of a deploy request.
type DeployTemplate struct {
	Name        string         `json:"bot_name"`
	StrategyRef string         `json:"strategy_ref"`
	Config      map[string]any `json:"config"`
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a template for kind named name. The strategy reference
// defaults to the kind itself.
func (g *Generator) Generate(kind string, name string) (*DeployTemplate, error) {
	k, ok := aliases[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", kind, strings.Join(g.SupportedTypes(), ", "))
	}
	if name == "" {
		name = string(k) + "-bot"
	}
	return &DeployTemplate{Name: name, StrategyRef: string(k), Config: g.config(k)}, nil
}

// GenerateJSON renders the template as indented JSON.
func (g *Generator) GenerateJSON(kind string, name string) ([]byte, error) {
	t, err := g.Generate(kind, name)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// SupportedTypes lists the canonical kinds, sorted.
func (g *Generator) SupportedTypes() []string {
	seen := map[Kind]bool{}
	var out []string
	for _, k := range aliases {
		if !seen[k] {
			seen[k] = true
			out = append(out, string(k))
		}
	}
	sort.Strings(out)
	return out
}

func (g *Generator) config(k Kind) map[string]any {
	switch k {
	case KindMarketMaking:
		return map[string]any{
			"connector":            "binance_paper_trade",
			"trading_pair":         "BTC-USDT",
			"bid_spread":           0.002,
			"ask_spread":           0.002,
			"order_amount":         0.001,
			"order_refresh_time":   30,
			"inventory_skew":       true,
			"heartbeat_interval_s": 10,
		}
	case KindCrossMaking:
		return map[string]any{
			"maker_connector":      "binance_paper_trade",
			"taker_connector":      "kucoin_paper_trade",
			"trading_pair":         "ETH-USDT",
			"min_profitability":    0.003,
			"order_amount":         0.05,
			"heartbeat_interval_s": 10,
		}
	case KindDirectional:
		return map[string]any{
			"connector":            "binance_perpetual_testnet",
			"trading_pair":         "BTC-USDT",
			"leverage":             5,
			"stop_loss":            0.02,
			"take_profit":          0.04,
			"interval":             "3m",
			"heartbeat_interval_s": 10,
		}
	case KindLiquidity:
		return map[string]any{
			"network":              "bsc",
			"pool_address":         "",
			"range_width_pct":      5,
			"rebalance_threshold":  0.8,
			"heartbeat_interval_s": 30,
		}
	default:
		return map[string]any{
			"script":               "main.py",
			"heartbeat_interval_s": 10,
		}
	}
}
