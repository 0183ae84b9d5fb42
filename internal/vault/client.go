package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"perp-trading-bot/config"
)

// Credentials are the venue API secrets stored in Vault.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client fetches venue credentials from a KV v2 mount. With Vault disabled
// the client is a no-op and the env-provided keys stay in effect.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials
}

func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, cache: make(map[string]*Credentials)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

func (c *Client) IsEnabled() bool { return c.config.Enabled }

// VenueCredentials reads the credentials for one venue ("binance", "bybit").
// Results are cached for the process lifetime.
func (c *Client) VenueCredentials(ctx context.Context, venue string) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[venue]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, venue)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s credentials: %w", venue, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for %s", venue)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for %s", venue)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials for %s", venue)
	}

	c.mu.Lock()
	c.cache[venue] = creds
	c.mu.Unlock()
	return creds, nil
}

// ApplyToConfig overwrites the active venue's env credentials with the
// Vault-stored ones when Vault is enabled.
func (c *Client) ApplyToConfig(ctx context.Context, cfg *config.Config) error {
	if !c.config.Enabled {
		return nil
	}
	venue := cfg.Exchange.Venue
	if venue == "paper" {
		return nil
	}
	creds, err := c.VenueCredentials(ctx, venue)
	if err != nil {
		return err
	}
	switch venue {
	case "binance":
		cfg.Exchange.Binance.APIKey = creds.APIKey
		cfg.Exchange.Binance.SecretKey = creds.SecretKey
	case "bybit":
		cfg.Exchange.Bybit.APIKey = creds.APIKey
		cfg.Exchange.Bybit.SecretKey = creds.SecretKey
	}
	return nil
}

// Health checks the Vault connection; a no-op when disabled.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
