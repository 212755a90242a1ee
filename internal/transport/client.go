// Package transport delivers outbox batches to the backend over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"geotrack/internal/api"
	"geotrack/internal/geofence"
	"geotrack/internal/syncqueue"

	"cdr.dev/slog/v3"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/xerrors"
)

const defaultTimeout = 30 * time.Second

// Client is a syncqueue.Sender for the geotrack backend.
type Client struct {
	baseURL string
	logger  slog.Logger

	mu  sync.RWMutex
	key string
}

func NewClient(baseURL, publishableKey string, logger slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     publishableKey,
		logger:  logger.Named("transport"),
	}
}

// SetKey replaces the publishable key sent with every request.
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

func (c *Client) publishableKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

func (c *Client) Send(ctx context.Context, batch syncqueue.Batch) (syncqueue.Ack, error) {
	req := api.TrackRequest{
		BatchID:     batch.ID.String(),
		UserID:      batch.UserID,
		Description: batch.Description,
		Location:    batch.Fix,
		Events:      batch.Events,
		Attempt:     batch.Attempts,
	}

	var resp api.TrackResponse
	if err := c.do(ctx, fiber.Post(c.baseURL+api.TrackPath).JSON(req), &resp); err != nil {
		return syncqueue.Ack{}, xerrors.Errorf("send batch %s: %w", batch.ID, err)
	}
	if resp.BatchID != batch.ID.String() {
		return syncqueue.Ack{}, xerrors.Errorf("acknowledgement for batch %q, sent %s", resp.BatchID, batch.ID)
	}

	ack := syncqueue.Ack{
		BatchID:          batch.ID,
		Events:           resp.Events,
		Geofences:        resp.Geofences,
		GeofencesUpdated: resp.GeofencesUpdated,
		User:             resp.User,
	}
	return ack, nil
}

// FetchGeofences downloads the active geofences for the key's project.
func (c *Client) FetchGeofences(ctx context.Context) ([]geofence.Geofence, error) {
	var fences []geofence.Geofence
	if err := c.do(ctx, fiber.Get(c.baseURL+api.GeofencesPath), &fences); err != nil {
		return nil, xerrors.Errorf("fetch geofences: %w", err)
	}
	return fences, nil
}

// do performs the request and classifies failures into the syncqueue
// sentinel errors.
func (c *Client) do(ctx context.Context, agent *fiber.Agent, out any) error {
	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := ctx.Err(); err != nil || timeout <= 0 {
		return xerrors.Errorf("%w: %v", syncqueue.ErrNetwork, context.DeadlineExceeded)
	}

	code, body, errs := agent.
		Set(fiber.HeaderAuthorization, c.publishableKey()).
		Timeout(timeout).
		Bytes()
	if len(errs) > 0 {
		c.logger.Debug(ctx, "request failed", slog.Error(errs[0]))
		return xerrors.Errorf("%w: %v", syncqueue.ErrNetwork, errs[0])
	}

	switch {
	case code == fiber.StatusUnauthorized || code == fiber.StatusForbidden:
		return xerrors.Errorf("%w: status %d", syncqueue.ErrUnauthorized, code)
	case code == fiber.StatusTooManyRequests || code >= fiber.StatusInternalServerError:
		return xerrors.Errorf("%w: status %d: %s", syncqueue.ErrServer, code, truncate(body))
	case code < 200 || code >= 300:
		return xerrors.Errorf("unexpected status %d: %s", code, truncate(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
