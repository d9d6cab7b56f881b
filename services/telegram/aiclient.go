package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/infra/storage"
)

// HTTPAnalyzer talks to the external analysis service over JSON. The core
// never builds prompts or calls models itself; it only consumes the
// structured contract.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
	log     *logrus.Entry
}

func NewHTTPAnalyzer(baseURL string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     logrus.WithField("component", "analyzer_client"),
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, rawText string, cfg *storage.AppConfig) ([]Analysis, error) {
	payload, err := json.Marshal(map[string]any{
		"rawText": rawText,
		"userId":  cfg.UserID,
	})
	if err != nil {
		return nil, err
	}

	body, err := a.post(ctx, a.baseURL+"/analyze", payload)
	if err != nil {
		return nil, err
	}

	var analyses []Analysis
	if err := json.Unmarshal(body, &analyses); err != nil {
		return nil, fmt.Errorf("malformed analysis payload: %w", err)
	}
	return analyses, nil
}

func (a *HTTPAnalyzer) DecideExpiry(ctx context.Context, bot *storage.TelegramBot, currentPrice float64) (ExpiryDecision, error) {
	payload, err := json.Marshal(map[string]any{
		"symbol":       bot.Symbol,
		"side":         bot.Side,
		"status":       bot.Status,
		"entryPrice":   bot.Config.EntryPrice,
		"stopLoss":     bot.Config.StopLoss,
		"takeProfits":  bot.Config.TakeProfits,
		"currentPrice": currentPrice,
	})
	if err != nil {
		return ExpiryDecision{Action: "close", Reason: "encode_error"}, nil
	}

	body, err := a.post(ctx, a.baseURL+"/expiry", payload)
	if err != nil {
		a.log.WithError(err).Warn("expiry analysis unreachable, closing")
		return ExpiryDecision{Action: "close", Reason: "analyzer_unreachable"}, nil
	}
	// Malformed JSON falls back to a safe close inside the parser.
	return ParseExpiryDecision(body), nil
}

func (a *HTTPAnalyzer) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
