package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads pipeline secrets from Vault. Used at startup when
// VAULT_ADDR and VAULT_TOKEN are present; config values already set stay
// unless the secret overrides them.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager connects to Vault at address using a token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &SecretManager{client: client}, nil
}

// GetKV2 reads a KV v2 secret and unwraps the nested "data" envelope.
func (sm *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := sm.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: no secret at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault: %s is not a KV v2 secret", path)
	}
	return data, nil
}

// Overlay applies a secret map onto cfg. Recognized keys:
//
//	PG_URL                      → db.url
//	NATS_URL                    → bus.brokers (single broker)
//	REDIS_ADDR / REDIS_PASSWORD → redis
//	WEBHOOK_SECRET              → health.webhook.secret
//	<AGENCYID>_<FIELD>          → connector credentials (ETOLL_CLIENT_SECRET, ...)
func Overlay(cfg *Config, secrets map[string]interface{}) {
	str := func(key string) string {
		if v, ok := secrets[key].(string); ok {
			return v
		}
		return ""
	}

	if v := str("PG_URL"); v != "" {
		cfg.DB.URL = v
	}
	if v := str("NATS_URL"); v != "" {
		cfg.Bus.Brokers = []string{v}
	}
	if v := str("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := str("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := str("WEBHOOK_SECRET"); v != "" {
		cfg.Health.Webhook.Secret = v
	}

	for key, raw := range secrets {
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		for i := range cfg.Connectors {
			prefix := strings.ToUpper(cfg.Connectors[i].AgencyID) + "_"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			field := strings.ToLower(strings.TrimPrefix(key, prefix))
			if cfg.Connectors[i].Credentials == nil {
				cfg.Connectors[i].Credentials = map[string]string{}
			}
			cfg.Connectors[i].Credentials[field] = value
		}
	}
}
