package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/metabinary-ltd/wipesentinel/internal/config"
	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

type Notifier struct {
	cfg      config.NotificationsConfig
	client   *http.Client
	logger   *slog.Logger
	hostname string
}

// Payload is the JSON body posted to each webhook.
type Payload struct {
	Host    string        `json:"host"`
	Subject string        `json:"subject"`
	Message string        `json:"message"`
	Clean   int           `json:"clean"`
	Broken  int           `json:"broken"`
	Errors  int           `json:"errors"`
	Summary types.Summary `json:"summary"`
}

func New(cfg config.NotificationsConfig, logger *slog.Logger) *Notifier {
	host, _ := os.Hostname()
	return &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		hostname: host,
	}
}

// Enabled reports whether any webhook is configured.
func (n *Notifier) Enabled() bool {
	for _, w := range n.cfg.Webhooks {
		if w.URL != "" {
			return true
		}
	}
	return false
}

// SendSummary posts the run summary to every configured webhook. A failing
// webhook does not stop delivery to the others.
func (n *Notifier) SendSummary(ctx context.Context, sum types.Summary) error {
	payload := n.payload(sum)
	var errs []error
	for _, w := range n.cfg.Webhooks {
		if w.URL == "" {
			continue
		}
		if err := n.sendWebhook(ctx, w.URL, payload); err != nil {
			n.logger.Warn("webhook send failed", "webhook", w.Name, "error", err)
			errs = append(errs, fmt.Errorf("webhook %s: %w", w.Name, err))
			continue
		}
		n.logger.Debug("webhook sent", "webhook", w.Name, "run", sum.RunID)
	}
	return errors.Join(errs...)
}

func (n *Notifier) payload(sum types.Summary) Payload {
	p := Payload{
		Host:    n.hostname,
		Clean:   sum.Count(types.OutcomeClean),
		Broken:  sum.Count(types.OutcomeBroken),
		Errors:  sum.Count(types.OutcomeError),
		Summary: sum,
	}
	mode := "wipe"
	if sum.Simulated {
		mode = "simulated wipe"
	}
	p.Subject = fmt.Sprintf("WipeSentinel: %s finished on %s", mode, n.hostname)

	var bytesDone int64
	for _, t := range sum.Tasks {
		if t.Drive != nil && t.Outcome == types.OutcomeClean {
			bytesDone += t.Drive.CapacityBytes
		}
	}
	p.Message = fmt.Sprintf("%d clean (%s), %d broken, %d errors, %d conflicts, %d ignored",
		p.Clean, humanize.Bytes(uint64(bytesDone)), p.Broken, p.Errors, len(sum.Conflicts), len(sum.Ignored))
	return p
}

func (n *Notifier) sendWebhook(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
