package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
)

func init() {
	Register("fasttrack", newFastTrack)
}

// fasttrack integrates the FastTrack agency API: a static API key (never
// expires, so RefreshAuth is a no-op) and timestamp-cursor pagination.
type fasttrack struct {
	cfg  config.Connector
	api  *apiClient
	auth authState
	log  *zap.Logger
}

func newFastTrack(cfg config.Connector, log *zap.Logger) (Connector, error) {
	return &fasttrack{
		cfg: cfg,
		api: newAPIClient(cfg.AgencyID, cfg.BaseURL, time.Duration(cfg.TimeoutMS)*time.Millisecond),
		log: log,
	}, nil
}

func (c *fasttrack) AgencyID() string { return c.cfg.AgencyID }

func (c *fasttrack) Initialize(ctx context.Context) error {
	if err := requireCredentials(c.cfg, "api_key"); err != nil {
		return err
	}
	return c.Authenticate(ctx)
}

// Authenticate installs the static key. There is no token exchange.
func (c *fasttrack) Authenticate(ctx context.Context) error {
	c.auth.set(token{AccessToken: c.cfg.Credentials["api_key"]})
	return nil
}

// RefreshAuth is a no-op: API keys do not expire.
func (c *fasttrack) RefreshAuth(ctx context.Context) error { return nil }

// ── transactions ──────────────────────────────────────────────────────────

type fasttrackTransaction struct {
	ID string `json:"id"`
}

type fasttrackTransactionsResponse struct {
	Records []json.RawMessage `json:"records"`
	Since   string            `json:"since"` // echo of the high-water mark after this page
	More    bool              `json:"more"`
}

func (c *fasttrack) ListTransactions(ctx context.Context, cursor string, pageSize int) (Page, error) {
	query := url.Values{"count": {strconv.Itoa(pageSize)}}
	if cursor != "" {
		query.Set("since", cursor)
	}

	req, err := c.api.newRequest(ctx, http.MethodGet, c.cfg.Endpoints.Transactions, query, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("X-API-Key", c.auth.get().AccessToken)

	var resp fasttrackTransactionsResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return Page{}, err
	}

	page := Page{NextCursor: resp.Since, HasMore: resp.More}
	if page.NextCursor == "" {
		page.NextCursor = cursor
	}
	for _, raw := range resp.Records {
		var head fasttrackTransaction
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			return Page{}, NewError(KindInvalid, c.cfg.AgencyID,
				fmt.Errorf("record without id: %s", truncate(raw)))
		}
		page.Transactions = append(page.Transactions, Transaction{
			ExternalEventID: head.ID,
			Payload:         raw,
		})
	}
	return page, nil
}

// ── evidence & health ─────────────────────────────────────────────────────

type fasttrackEvidenceResponse struct {
	EvidenceURL string `json:"evidence_url"`
}

func (c *fasttrack) FetchEvidence(ctx context.Context, externalEventID string) (string, error) {
	if c.cfg.Endpoints.Evidence == "" {
		return "", nil
	}
	req, err := c.api.newRequest(ctx, http.MethodGet,
		c.cfg.Endpoints.Evidence, url.Values{"id": {externalEventID}}, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", c.auth.get().AccessToken)

	var resp fasttrackEvidenceResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return "", err
	}
	return resp.EvidenceURL, nil
}

func (c *fasttrack) HealthProbe(ctx context.Context) Health {
	return probeEndpoint(ctx, c.api, c.cfg.Endpoints.Health, map[string]string{
		"X-API-Key": c.auth.get().AccessToken,
	})
}
