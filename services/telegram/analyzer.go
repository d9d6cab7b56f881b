package telegram

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/britej3/signalkey/infra/storage"
)

// Analysis is the structured trade plan the AI collaborator extracts from
// one raw signal message. A single message may yield several analyses.
type Analysis struct {
	Decision   string  `json:"decision"` // APPROVED | REJECTED
	Symbol     string  `json:"symbol"`
	MarketType string  `json:"marketType"`
	Direction  string  `json:"direction"` // LONG | SHORT | HOLD
	Confidence float64 `json:"confidence"`
	IsSafe     bool    `json:"isSafe"`
	Reasoning  string  `json:"reasoning"`
	Parameters Params  `json:"parameters"`
}

type Params struct {
	EntryPrice      float64                   `json:"entryPrice"`
	StopLoss        float64                   `json:"stopLoss"`
	TakeProfits     []storage.TakeProfitLevel `json:"takeProfits"`
	Leverage        float64                   `json:"leverage,omitempty"`
	Investment      float64                   `json:"investment,omitempty"`
	ValidForMinutes int                       `json:"validForMinutes,omitempty"`
	ExchangeID      string                    `json:"exchangeId,omitempty"`
}

func (a Analysis) Approved() bool {
	return strings.EqualFold(a.Decision, "APPROVED") && !strings.EqualFold(a.Direction, "HOLD")
}

// ExpiryDecision is the AI's verdict for an expired bot: close it or
// extend it with a fresh SL / TP ladder.
type ExpiryDecision struct {
	Action         string                    `json:"action"` // close | update
	Reason         string                    `json:"reason"`
	NewStopLoss    *float64                  `json:"newStopLoss,omitempty"`
	NewTakeProfits []storage.TakeProfitLevel `json:"newTakeProfits,omitempty"`
}

// ParseExpiryDecision decodes the raw AI payload; malformed JSON falls back
// to a safe close.
func ParseExpiryDecision(raw []byte) ExpiryDecision {
	var d ExpiryDecision
	if err := json.Unmarshal(raw, &d); err != nil || d.Action == "" {
		return ExpiryDecision{Action: "close", Reason: "invalid_ai_json"}
	}
	d.Action = strings.ToLower(d.Action)
	if d.Action != "update" {
		d.Action = "close"
	}
	return d
}

// Analyzer is the external AI collaborator boundary. Implementations own
// prompt construction and model calls; the orchestrator only consumes the
// structured results.
type Analyzer interface {
	Analyze(ctx context.Context, rawText string, cfg *storage.AppConfig) ([]Analysis, error)
	DecideExpiry(ctx context.Context, bot *storage.TelegramBot, currentPrice float64) (ExpiryDecision, error)
}
