package clearinghouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/billrun/internal/config"
)

const errorNameExternalIDUniqueness = "ExternalIdUniquenessError"

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds the production clearinghouse adapter.
func NewHTTPClient(cfg config.ClearinghouseConfig) (Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrInvalidConfig
	}
	return &httpClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type errorEnvelope struct {
	ErrorName  string `json:"errorName"`
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}

func (c *httpClient) CreateEncounter(ctx context.Context, payload EncounterPayload) (*Encounter, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode encounter payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/encounters", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return decodeEncounter(raw, resp.StatusCode)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &SubmissionError{Reason: "non-json", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if envelope.ErrorName == errorNameExternalIDUniqueness {
		return nil, &ExternalIDConflictError{ExternalID: envelope.ExternalID}
	}
	return nil, &SubmissionError{Reason: "status-code", StatusCode: resp.StatusCode, Body: string(raw)}
}

func (c *httpClient) GetEncountersByExternalID(ctx context.Context, externalID string) ([]Encounter, error) {
	endpoint := fmt.Sprintf("%s/v1/encounters?external_id=%s", c.baseURL, url.QueryEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SubmissionError{Reason: "status-code", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var listing struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, &SubmissionError{Reason: "non-json", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	encounters := make([]Encounter, 0, len(listing.Items))
	for _, item := range listing.Items {
		encounters = append(encounters, Encounter{
			ExternalID: stringValue(item["external_id"]),
			Body:       item,
		})
	}
	return encounters, nil
}

func (c *httpClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeEncounter(raw []byte, statusCode int) (*Encounter, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &SubmissionError{Reason: "non-json", StatusCode: statusCode, Body: string(raw)}
	}
	return &Encounter{
		ExternalID: stringValue(body["external_id"]),
		Body:       body,
	}, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
