// Package webhook publishes content as JSON to a configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"postflow/internal/domain"
)

// Destination posts content to a single webhook URL. Updates and deletes
// address the created resource by id under the same URL.
type Destination struct {
	name   string
	url    string
	client *http.Client
}

func New(name, url string) *Destination {
	return &Destination{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *Destination) Name() string { return d.name }

type postResp struct {
	ID string `json:"id"`
}

func (d *Destination) Publish(ctx context.Context, content json.RawMessage) (domain.DestinationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(content))
	if err != nil {
		return domain.DestinationResult{}, domain.NewDestinationError(d.name, domain.ClassInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.DestinationResult{}, domain.NewDestinationError(d.name, domain.ClassDestination, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(d.name, resp); err != nil {
		return domain.DestinationResult{}, err
	}

	var pr postResp
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)); err == nil {
		_ = json.Unmarshal(body, &pr) // id is optional
	}
	return domain.DestinationResult{Success: true, PostID: pr.ID}, nil
}

func (d *Destination) Update(ctx context.Context, externalID string, content json.RawMessage) error {
	return d.send(ctx, http.MethodPut, externalID, bytes.NewReader(content))
}

func (d *Destination) Delete(ctx context.Context, externalID string) error {
	return d.send(ctx, http.MethodDelete, externalID, nil)
}

func (d *Destination) send(ctx context.Context, method, externalID string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, d.url+"/"+externalID, body)
	if err != nil {
		return domain.NewDestinationError(d.name, domain.ClassInternal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return domain.NewDestinationError(d.name, domain.ClassDestination, err)
	}
	defer resp.Body.Close()
	return checkStatus(d.name, resp)
}

// checkStatus classifies non-2xx responses: 4xx means the request itself is
// bad and retrying won't help, 5xx is the destination's problem and may
// clear up.
func checkStatus(name string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.NewDestinationError(name, "rejected", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return domain.NewDestinationError(name, domain.ClassDestination, fmt.Errorf("status %d", resp.StatusCode))
	}
}
