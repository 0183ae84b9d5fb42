package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"perp-trading-bot/config"
)

// apiClient talks to the admin API with the static bearer token.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cfg config.AdminConfig) *apiClient {
	return &apiClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s %s: bad response: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%s %s: status %d: %v", method, path, resp.StatusCode, out)
	}
	return out, nil
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	client := newAPIClient(cfg.Admin)

	var reason string

	rootCmd := &cobra.Command{
		Use:           "trading-cli",
		Short:         "Operator CLI for the trading services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show flags, heartbeats and open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.do(http.MethodGet, "/admin/status", nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	flagCommand := func(use, short, path string) *cobra.Command {
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := client.do(http.MethodPost, path, map[string]string{"reason": reason})
				if err != nil {
					return err
				}
				printJSON(out)
				return nil
			},
		}
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
		return cmd
	}

	haltCmd := flagCommand("halt", "Halt trading (open positions keep their stops)", "/admin/halt")
	resumeCmd := flagCommand("resume", "Resume trading", "/admin/resume")
	emergencyCmd := flagCommand("emergency-exit", "Flatten every open position on the next tick", "/admin/emergency_exit")

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Write one system config key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.do(http.MethodPost, "/admin/update_config", map[string]string{
				"key": args[0], "value": args[1], "reason": reason,
			})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	setCmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read one system config key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.do(http.MethodGet, "/admin/config", nil)
			if err != nil {
				return err
			}
			values, _ := out["config"].(map[string]interface{})
			value, ok := values[args[0]]
			if !ok {
				return fmt.Errorf("key %q not set", args[0])
			}
			fmt.Println(value)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every system config key",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.do(http.MethodGet, "/admin/config", nil)
			if err != nil {
				return err
			}
			printJSON(out["config"])
			return nil
		},
	}

	smokeCmd := &cobra.Command{
		Use:   "smoke-test",
		Short: "Verify the admin API is up and authenticated",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.do(http.MethodGet, "/health", nil); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if _, err := client.do(http.MethodGet, "/admin/status", nil); err != nil {
				return fmt.Errorf("authenticated status failed: %w", err)
			}
			fmt.Println("smoke test passed")
			return nil
		},
	}

	e2eCmd := &cobra.Command{
		Use:   "e2e-test",
		Short: "Round-trip the halt flag through the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.do(http.MethodPost, "/admin/halt",
				map[string]string{"reason": "e2e-test"}); err != nil {
				return fmt.Errorf("halt failed: %w", err)
			}
			out, err := client.do(http.MethodGet, "/admin/status", nil)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			if halted, _ := out["halt_trading"].(bool); !halted {
				return fmt.Errorf("halt flag not visible after write")
			}
			if _, err := client.do(http.MethodPost, "/admin/resume",
				map[string]string{"reason": "e2e-test"}); err != nil {
				return fmt.Errorf("resume failed: %w", err)
			}
			out, err = client.do(http.MethodGet, "/admin/status", nil)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			if halted, _ := out["halt_trading"].(bool); halted {
				return fmt.Errorf("halt flag still set after resume")
			}
			fmt.Println("e2e test passed")
			return nil
		},
	}

	rootCmd.AddCommand(statusCmd, haltCmd, resumeCmd, emergencyCmd,
		setCmd, getCmd, listCmd, smokeCmd, e2eCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
