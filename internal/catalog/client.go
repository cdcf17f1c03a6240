package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

// Client releases reserved trees back to the farm catalog over HTTP.
// The reservation id travels as the Idempotency-Key, so the catalog can ignore repeats.
type Client struct {
	hc      *http.Client
	baseURL string
	token   string
}

var _ reservation.Inventory = (*Client)(nil)

func New(baseURL, token string) *Client {
	return &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type releaseRequest struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Trees         int       `json:"trees"`
}

func (c *Client) ReleaseTrees(ctx context.Context, farmID, reservationID uuid.UUID, count int) error {
	jb, err := json.Marshal(releaseRequest{ReservationID: reservationID, Trees: count})
	if err != nil {
		return err
	}
	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/farms/"+url.PathEscape(farmID.String())+"/release", reservationID.String(), jb)
	if err != nil {
		return &internaltypes.CollaboratorError{Collaborator: "catalog", Err: err}
	}
	// 409: the catalog already processed this key.
	if status == http.StatusConflict || (status >= 200 && status < 300) {
		return nil
	}
	var r struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &r)
	if r.Message != "" {
		return &internaltypes.CollaboratorError{Collaborator: "catalog", Err: fmt.Errorf("release failed: %s (status=%d)", r.Message, status)}
	}
	return &internaltypes.CollaboratorError{Collaborator: "catalog", Err: fmt.Errorf("release failed (status=%d)", status)}
}

func (c *Client) do(ctx context.Context, method, rawURL, idempotencyKey string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("authorization", "Bearer "+c.token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}

// LogInventory only logs releases; used when no catalog is configured.
type LogInventory struct{}

func (LogInventory) ReleaseTrees(ctx context.Context, farmID, reservationID uuid.UUID, count int) error {
	log.Printf("catalog: release %d trees on farm %s for reservation %s (no catalog configured)", count, farmID, reservationID)
	return nil
}
