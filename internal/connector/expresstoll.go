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
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

func init() {
	Register("expresstoll", newExpressToll)
}

// expresstoll integrates the ExpressToll agency API: login/password session
// auth (no refresh token — a stale session re-logs in) and window-paged
// transactions addressed by an opaque page token.
type expresstoll struct {
	cfg  config.Connector
	api  *apiClient
	auth authState
	log  *zap.Logger
}

func newExpressToll(cfg config.Connector, log *zap.Logger) (Connector, error) {
	return &expresstoll{
		cfg: cfg,
		api: newAPIClient(cfg.AgencyID, cfg.BaseURL, time.Duration(cfg.TimeoutMS)*time.Millisecond),
		log: log,
	}, nil
}

func (c *expresstoll) AgencyID() string { return c.cfg.AgencyID }

func (c *expresstoll) Initialize(ctx context.Context) error {
	if err := requireCredentials(c.cfg, "login", "password"); err != nil {
		return err
	}
	return c.Authenticate(ctx)
}

// ── auth ──────────────────────────────────────────────────────────────────

type expressTollSessionResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (c *expresstoll) Authenticate(ctx context.Context) error {
	tok, err := c.login(ctx)
	if err != nil {
		return err
	}
	c.auth.set(tok)
	return nil
}

func (c *expresstoll) RefreshAuth(ctx context.Context) error {
	return c.auth.refreshIfStale(ctx, time.Now(), func(ctx context.Context, _ token) (token, error) {
		return c.login(ctx)
	})
}

func (c *expresstoll) login(ctx context.Context) (token, error) {
	req, err := c.api.newRequest(ctx, http.MethodPost, "/session", nil, map[string]string{
		"login":    c.cfg.Credentials["login"],
		"password": c.cfg.Credentials["password"],
	})
	if err != nil {
		return token{}, err
	}

	var resp expressTollSessionResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return token{}, NewError(KindAuth, c.cfg.AgencyID, err)
	}
	if resp.SessionToken == "" {
		return token{}, NewError(KindAuth, c.cfg.AgencyID, fmt.Errorf("session response without session_token"))
	}
	return token{AccessToken: resp.SessionToken, ExpiresAt: resp.ExpiresAt}, nil
}

// ── transactions ──────────────────────────────────────────────────────────

type expressTollTransaction struct {
	TxnID string `json:"txn_id"`
}

type expressTollTransactionsResponse struct {
	Items    []json.RawMessage `json:"items"`
	NextPage string            `json:"next_page"`
}

func (c *expresstoll) ListTransactions(ctx context.Context, cursor string, pageSize int) (Page, error) {
	query := url.Values{"limit": {strconv.Itoa(pageSize)}}
	if cursor != "" {
		query.Set("page", cursor)
	}

	req, err := c.api.newRequest(ctx, http.MethodGet, c.cfg.Endpoints.Transactions, query, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("X-Session-Token", c.auth.get().AccessToken)

	var resp expressTollTransactionsResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return Page{}, err
	}

	page := Page{NextCursor: resp.NextPage, HasMore: resp.NextPage != ""}
	for _, raw := range resp.Items {
		var head expressTollTransaction
		if err := json.Unmarshal(raw, &head); err != nil || head.TxnID == "" {
			return Page{}, NewError(KindInvalid, c.cfg.AgencyID,
				fmt.Errorf("item without txn_id: %s", truncate(raw)))
		}
		page.Transactions = append(page.Transactions, Transaction{
			ExternalEventID: head.TxnID,
			Payload:         raw,
		})
	}
	// An exhausted sequence keeps the last cursor so the next cycle resumes
	// where this one ended.
	if page.NextCursor == "" {
		page.NextCursor = cursor
	}
	return page, nil
}

// ── evidence & health ─────────────────────────────────────────────────────

// FetchEvidence returns "": ExpressToll keeps no per-transaction evidence.
func (c *expresstoll) FetchEvidence(ctx context.Context, externalEventID string) (string, error) {
	return "", nil
}

func (c *expresstoll) HealthProbe(ctx context.Context) Health {
	return probeEndpoint(ctx, c.api, c.cfg.Endpoints.Health, map[string]string{
		"X-Session-Token": c.auth.get().AccessToken,
	})
}

// probeEndpoint measures one GET against a health endpoint. Agencies without
// one are assumed healthy; the poller's own error rate still degrades them.
func probeEndpoint(ctx context.Context, api *apiClient, endpoint string, headers map[string]string) Health {
	if endpoint == "" {
		return Health{State: domain.HealthHealthy}
	}

	start := time.Now()
	req, err := api.newRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return Health{State: domain.HealthUnhealthy, ResponseTimeMS: time.Since(start).Milliseconds()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := api.doJSON(req, nil); err != nil {
		return Health{State: domain.HealthUnhealthy, ResponseTimeMS: time.Since(start).Milliseconds()}
	}
	return Health{State: domain.HealthHealthy, ResponseTimeMS: time.Since(start).Milliseconds()}
}
