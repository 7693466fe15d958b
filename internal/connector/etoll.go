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
	Register("etoll", newEToll)
}

// etoll integrates the E-Toll agency API: OAuth2 client-credentials auth
// with refresh tokens, cursor-paged transactions, and photo evidence.
type etoll struct {
	cfg  config.Connector
	api  *apiClient
	auth authState
	log  *zap.Logger
}

func newEToll(cfg config.Connector, log *zap.Logger) (Connector, error) {
	return &etoll{
		cfg: cfg,
		api: newAPIClient(cfg.AgencyID, cfg.BaseURL, time.Duration(cfg.TimeoutMS)*time.Millisecond),
		log: log,
	}, nil
}

func (c *etoll) AgencyID() string { return c.cfg.AgencyID }

func (c *etoll) Initialize(ctx context.Context) error {
	if err := requireCredentials(c.cfg, "client_id", "client_secret"); err != nil {
		return err
	}
	return c.Authenticate(ctx)
}

// ── auth ──────────────────────────────────────────────────────────────────

type etollTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (c *etoll) tokenURL() string {
	if u := c.cfg.Credentials["token_url"]; u != "" {
		return u
	}
	return c.cfg.BaseURL + "/oauth/token"
}

func (c *etoll) Authenticate(ctx context.Context) error {
	tok, err := c.grant(ctx, map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.Credentials["client_id"],
		"client_secret": c.cfg.Credentials["client_secret"],
	})
	if err != nil {
		return err
	}
	c.auth.set(tok)
	return nil
}

func (c *etoll) RefreshAuth(ctx context.Context) error {
	return c.auth.refreshIfStale(ctx, time.Now(), func(ctx context.Context, current token) (token, error) {
		if current.RefreshToken == "" {
			return c.grant(ctx, map[string]string{
				"grant_type":    "client_credentials",
				"client_id":     c.cfg.Credentials["client_id"],
				"client_secret": c.cfg.Credentials["client_secret"],
			})
		}
		return c.grant(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": current.RefreshToken,
			"client_id":     c.cfg.Credentials["client_id"],
		})
	})
}

func (c *etoll) grant(ctx context.Context, form map[string]string) (token, error) {
	req, err := c.api.newRequest(ctx, http.MethodPost, c.tokenURL(), nil, form)
	if err != nil {
		return token{}, err
	}

	var resp etollTokenResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		// Any failure to obtain a token is an auth failure regardless of the
		// transport-level class.
		return token{}, NewError(KindAuth, c.cfg.AgencyID, err)
	}
	if resp.AccessToken == "" {
		return token{}, NewError(KindAuth, c.cfg.AgencyID, fmt.Errorf("token response without access_token"))
	}
	return token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// ── transactions ──────────────────────────────────────────────────────────

type etollTransaction struct {
	TransactionID string `json:"transaction_id"`
}

type etollTransactionsResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
	NextCursor   string            `json:"next_cursor"`
	HasMore      bool              `json:"has_more"`
}

func (c *etoll) ListTransactions(ctx context.Context, cursor string, pageSize int) (Page, error) {
	query := url.Values{"page_size": {strconv.Itoa(pageSize)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	req, err := c.api.newRequest(ctx, http.MethodGet, c.cfg.Endpoints.Transactions, query, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.auth.get().AccessToken)

	var resp etollTransactionsResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return Page{}, err
	}

	page := Page{NextCursor: resp.NextCursor, HasMore: resp.HasMore}
	for _, raw := range resp.Transactions {
		var head etollTransaction
		if err := json.Unmarshal(raw, &head); err != nil || head.TransactionID == "" {
			return Page{}, NewError(KindInvalid, c.cfg.AgencyID,
				fmt.Errorf("transaction without transaction_id: %s", truncate(raw)))
		}
		page.Transactions = append(page.Transactions, Transaction{
			ExternalEventID: head.TransactionID,
			Payload:         raw,
		})
	}
	return page, nil
}

// ── evidence & health ─────────────────────────────────────────────────────

type etollEvidenceResponse struct {
	ImageURL string `json:"image_url"`
}

func (c *etoll) FetchEvidence(ctx context.Context, externalEventID string) (string, error) {
	if c.cfg.Endpoints.Evidence == "" {
		return "", nil
	}
	req, err := c.api.newRequest(ctx, http.MethodGet, c.cfg.Endpoints.Evidence+"/"+externalEventID, nil, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.auth.get().AccessToken)

	var resp etollEvidenceResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return "", err
	}
	return resp.ImageURL, nil
}

func (c *etoll) HealthProbe(ctx context.Context) Health {
	return probeEndpoint(ctx, c.api, c.cfg.Endpoints.Health, nil)
}
