package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPExecutor submits batches to an out-of-process sandbox sidecar over
// HTTP. The sidecar owns isolation and per-item timeouts; this client only
// carries the batch contract.
type HTTPExecutor struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor posting batches to endpoint.
func NewHTTPExecutor(endpoint string, timeout time.Duration) (*HTTPExecutor, error) {
	if endpoint == "" {
		return nil, errors.New("executor endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type batchExecuteRequest struct {
	Requests []Request `json:"requests"`
}

type batchItemResult struct {
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type batchExecuteResponse struct {
	Results []batchItemResult `json:"results"`
}

// BatchExecute posts the batch to the sidecar. A transport or protocol error
// before scheduling is returned synchronously and onDone never runs. Once the
// batch is accepted, per-item failures (including cancellation) surface as
// item results.
func (e *HTTPExecutor) BatchExecute(ctx context.Context, requests []Request, onDone DoneCallback) error {
	if onDone == nil {
		return errors.New("batch requires a completion callback")
	}
	if len(requests) == 0 {
		return errors.New("batch contains no requests")
	}

	body, err := json.Marshal(&batchExecuteRequest{Requests: requests})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	go func() {
		resp, err := e.httpClient.Do(req)
		if err != nil {
			onDone(failAll(requests, ctx, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			onDone(failAll(requests, ctx, fmt.Errorf("executor returned status %d", resp.StatusCode)))
			return
		}

		var decoded batchExecuteResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			onDone(failAll(requests, ctx, fmt.Errorf("failed to decode executor response: %w", err)))
			return
		}

		byID := make(map[string]batchItemResult, len(decoded.Results))
		for _, r := range decoded.Results {
			byID[r.ID] = r
		}

		results := make([]Result, len(requests))
		for i, r := range requests {
			item, ok := byID[r.ID]
			switch {
			case !ok:
				results[i] = Result{ID: r.ID, Err: fmt.Errorf("executor returned no result for %s", r.ID)}
			case item.Error != "":
				results[i] = Result{ID: r.ID, Err: errors.New(item.Error)}
			default:
				results[i] = Result{ID: r.ID, Payload: item.Payload}
			}
		}
		onDone(results)
	}()

	return nil
}

func failAll(requests []Request, ctx context.Context, err error) []Result {
	if ctx.Err() != nil {
		err = ErrCancelled
	}
	results := make([]Result, len(requests))
	for i, r := range requests {
		results[i] = Result{ID: r.ID, Err: err}
	}
	return results
}
