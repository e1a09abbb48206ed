package trigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"storyforge/internal/domain/ports/adapter"
	"storyforge/internal/infra/metrics"
)

// SecretHeader carries the shared secret authenticating internal continuation
// requests. Only the trigger and the processing endpoint know its value.
const SecretHeader = "x-batch-secret"

var _ adapter.ContinuationTrigger = (*HTTPTrigger)(nil)

// HTTPTrigger hands off to the next executor invocation by POSTing the
// internal process-next endpoint.
type HTTPTrigger struct {
	baseURL string
	secret  string
	client  *http.Client
	log     *zerolog.Logger
}

func NewHTTPTrigger(baseURL, secret string, timeout time.Duration, logger *zerolog.Logger) *HTTPTrigger {
	return &HTTPTrigger{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// TriggerInitial sends the first hand-off and waits for acceptance (a 2xx
// response), not for item completion. Callers must await it before their own
// handler returns.
func (t *HTTPTrigger) TriggerInitial(ctx context.Context, runID string) error {
	err := t.send(ctx, runID)
	metrics.IncTrigger("initial", err == nil)
	if err != nil {
		return fmt.Errorf("initial trigger: %w", err)
	}
	return nil
}

// TriggerNext dispatches the hand-off without awaiting the outcome. A lost
// dispatch leaves the run with a stale heartbeat; the stale-run monitor owns
// that recovery path.
func (t *HTTPTrigger) TriggerNext(runID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.client.Timeout)
		defer cancel()
		err := t.send(ctx, runID)
		metrics.IncTrigger("next", err == nil)
		if err != nil {
			t.log.Warn().Err(err).Str("run_id", runID).Msg("continuation hand-off lost; stale monitor will recover")
		}
	}()
}

func (t *HTTPTrigger) send(ctx context.Context, runID string) error {
	url := fmt.Sprintf("%s/internal/runs/%s/process-next", t.baseURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(SecretHeader, t.secret)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("process-next rejected: http %d: %s", resp.StatusCode, body)
	}
	return nil
}
