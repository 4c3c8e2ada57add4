// Package registry submits prescriptions to the national prescription
// registry (SENIAT) and asks it for a validity opinion.
package registry

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

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/pkg/circuitbreaker"
)

// Config configures the HTTP registry client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// APIError wraps a non-2xx registry response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry responded %d: %s", e.StatusCode, e.Body)
}

// Rejected reports whether the registry refused the request itself, as
// opposed to failing to process it
func (e *APIError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Client is the HTTP registry client. Every call goes through a circuit
// breaker; registry rejections do not count against it.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a registry client
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("registry base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg = circuitbreaker.DefaultConfig("registry")
		bcfg.OnStateChange = cfg.Breaker.OnStateChange
	}
	bcfg.IsFailure = func(err error) bool {
		var apiErr *APIError
		return !(errors.As(err, &apiErr) && apiErr.Rejected())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}, nil
}

type medicationPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Dose      string `json:"dose,omitempty"`
}

type prescriptionPayload struct {
	Number            string              `json:"prescription_number"`
	PatientCI         string              `json:"patient_ci"`
	PatientName       string              `json:"patient_name"`
	PrescriberLicense string              `json:"prescriber_license"`
	PrescriberName    string              `json:"prescriber_name"`
	IssuedAt          string              `json:"issued_at"`
	ExpiresAt         string              `json:"expires_at"`
	Medications       []medicationPayload `json:"medications"`
	Signature         string              `json:"signature,omitempty"`
}

func payloadFor(p *prescription.Prescription) prescriptionPayload {
	meds := make([]medicationPayload, 0, len(p.Medications))
	for _, m := range p.Medications {
		meds = append(meds, medicationPayload{ProductID: m.ProductID, Name: m.Name, Quantity: m.Quantity, Dose: m.Dose})
	}
	return prescriptionPayload{
		Number:            p.PrescriptionNumber,
		PatientCI:         p.PatientCI,
		PatientName:       p.PatientName,
		PrescriberLicense: p.PrescriberLicense,
		PrescriberName:    p.PrescriberName,
		IssuedAt:          p.PrescriptionDate.UTC().Format(time.RFC3339),
		ExpiresAt:         p.ExpiryDate.UTC().Format(time.RFC3339),
		Medications:       meds,
		Signature:         p.SignatureData,
	}
}

// Submit upserts the prescription by number and returns the registry id
func (c *Client) Submit(ctx context.Context, p *prescription.Prescription) (string, error) {
	var resp struct {
		RegistryID string `json:"registry_id"`
	}
	path := "/prescriptions/" + p.PrescriptionNumber
	if err := c.call(ctx, http.MethodPut, path, payloadFor(p), &resp); err != nil {
		return "", err
	}
	if resp.RegistryID == "" {
		return "", errors.New("registry response missing registry_id")
	}
	return resp.RegistryID, nil
}

// Check asks the registry whether it considers the prescription valid
func (c *Client) Check(ctx context.Context, p *prescription.Prescription) (prescription.RegistryOpinion, error) {
	var resp struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := c.call(ctx, http.MethodPost, "/prescriptions/verify", payloadFor(p), &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			return prescription.RegistryOpinion{Valid: false, Response: apiErr.Body}, nil
		}
		return prescription.RegistryOpinion{}, err
	}
	return prescription.RegistryOpinion{Valid: resp.Valid, Response: resp.Message}, nil
}

// State returns the breaker state
func (c *Client) State() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read registry response: %w", err)
	}
	c.logger.Debug("registry call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode registry response: %w", err)
		}
	}
	return nil
}
