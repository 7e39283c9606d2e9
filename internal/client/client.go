// Package client talks to a docking server over JSON-RPC 2.0.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"dockingserver/internal/api"
	"dockingserver/internal/apperrors"
	"dockingserver/internal/job"
	"dockingserver/pkg/backoff"
)

// Config for a Client. Zero values use defaults.
type Config struct {
	URL          string        // server base URL, e.g. http://localhost:8080
	APIKey       string        // bearer token, empty when auth is off
	HTTPTimeout  time.Duration // per request (default: 5m, receptors can be large)
	PollInterval time.Duration // between status checks (default: 2s)
	Attempts     int           // per call on transport errors (default: 4)
	Backoff      backoff.Config
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "http://localhost:8080"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	return c
}

// Client is safe for concurrent use.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
}

// New creates a client for the server at cfg.URL.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/RPC2",
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// statusError is a non-200 reply from the transport.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.body)
}

// FaultCode returns the fault code of err, or 0 when the server did not answer
// with a fault.
func FaultCode(err error) int {
	var jerr *json2.Error
	if errors.As(err, &jerr) {
		return int(jerr.Code)
	}
	return 0
}

// retryable reports whether err is a transport failure worth another attempt.
// Faults are answers, not failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if FaultCode(err) != 0 {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// Call invokes method and decodes its result into result, which may be nil.
// Faults are returned as *json2.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var data []byte
	err = backoff.Retry(ctx, c.cfg.Attempts, &c.cfg.Backoff, retryable, func(ctx context.Context) error {
		data, err = c.post(ctx, body)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if result == nil {
		result = new(json.RawMessage)
	}
	err = json2.DecodeClientResponse(bytes.NewReader(data), result)
	var jerr *json2.Error
	switch {
	case errors.As(err, &jerr):
		return jerr
	case errors.Is(err, json2.ErrNullResult):
		return nil
	case err != nil:
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &statusError{code: httpResp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Submit queues molecules against a receptor. A zero ref uses the receptor the
// server already holds under name.
func (c *Client) Submit(ctx context.Context, smiles []string, name string, ref api.ReceptorRef, options map[string]any) (job.ID, error) {
	return c.submit(ctx, &api.Molecules{SMILES: smiles}, name, ref, options)
}

// SubmitOne queues a single molecule. Its results come back as one outcome.
func (c *Client) SubmitOne(ctx context.Context, smiles, name string, ref api.ReceptorRef, options map[string]any) (job.ID, error) {
	return c.submit(ctx, &api.Molecules{SMILES: []string{smiles}, Single: true}, name, ref, options)
}

func (c *Client) submit(ctx context.Context, mols *api.Molecules, name string, ref api.ReceptorRef, options map[string]any) (job.ID, error) {
	params := api.SubmitParams{
		SMILES:       mols,
		ReceptorRef:  ref,
		ReceptorName: name,
		Options:      options,
	}
	var id job.ID
	if err := c.Call(ctx, "SubmitQuery", params, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// Status reports whether every item of id has finished.
func (c *Client) Status(ctx context.Context, id job.ID) (bool, error) {
	var done bool
	err := c.Call(ctx, "QueryStatus", []any{id}, &done)
	return done, err
}

// Results collects id. A single submission yields one outcome.
func (c *Client) Results(ctx context.Context, id job.ID) ([]job.Outcome, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "QueryResults", []any{id}, &raw); err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var one job.Outcome
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		return []job.Outcome{one}, nil
	}
	var outcomes []job.Outcome
	if err := json.Unmarshal(raw, &outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	return outcomes, nil
}

// Wait polls id every PollInterval until it is done, then collects it.
func (c *Client) Wait(ctx context.Context, id job.ID) ([]job.Outcome, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if done {
			outcomes, err := c.Results(ctx, id)
			if FaultCode(err) != apperrors.RPCNotReady {
				return outcomes, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AddReceptor uploads receptor bytes under name.
func (c *Client) AddReceptor(ctx context.Context, name string, data []byte) (*api.ReceptorInfo, error) {
	var info api.ReceptorInfo
	if err := c.Call(ctx, "AddReceptor", []any{api.ReceptorRef{Data: data}, name}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Receptors lists the names the server has cached.
func (c *Client) Receptors(ctx context.Context) ([]string, error) {
	var names []string
	err := c.Call(ctx, "ListReceptors", nil, &names)
	return names, err
}
