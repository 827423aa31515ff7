// Command respgatectl is the operator CLI for respgate's admin API: it
// drives manual routing overrides, vault lifecycle, and admin token
// rotation, and renders the status/health snapshots respgate exposes at
// /status and /health.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/respgate/internal/router"
	"github.com/jordanhubbard/respgate/internal/store"
)

var version = "dev"

// client carries the resolved base URL and admin token for every command.
type client struct {
	baseURL    string
	adminToken string
}

func newClient() *client {
	base := strings.TrimRight(os.Getenv("RESPGATE_URL"), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &client{baseURL: base, adminToken: resolveAdminToken()}
}

// resolveAdminToken follows the same precedence respgate itself uses to
// seed the token: an explicit env var first, then the token file respgate
// persists next to its sqlite database.
func resolveAdminToken() string {
	if tok := os.Getenv("RESPGATE_ADMIN_TOKEN"); tok != "" {
		return tok
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".respgate", ".admin-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	return http.DefaultClient.Do(req)
}

func (c *client) json(method, path string, body io.Reader, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func main() {
	root := &cobra.Command{
		Use:           "respgatectl",
		Short:         "Operator CLI for the respgate gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStatusCmd(),
		newHealthCmd(),
		newOverrideCmd(),
		newVaultCmd(),
		newAdminTokenCmd(),
		newEventsCmd(),
		newVersionCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the respgatectl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// statusResponse mirrors internal/httpapi.statusResponse; kept local since
// the handler's struct is unexported.
type statusResponse struct {
	Listen             string                          `json:"listen"`
	PreferredProvider  string                          `json:"preferred_provider"`
	ManualOverride     string                          `json:"manual_override"`
	Providers          map[string]router.HealthSnapshot `json:"providers"`
	Metrics            []store.ProviderMetrics        `json:"metrics"`
	RecentEvents       []store.Event                   `json:"recent_events"`
	ActiveProvider     string                          `json:"active_provider"`
	ActiveReason       string                          `json:"active_reason"`
	Quota              []store.QuotaSnapshot           `json:"quota"`
	Ledgers            []store.Ledger                  `json:"ledgers"`
	LastActivityUnixMS int64                           `json:"last_activity_unix_ms"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show routing, health, and quota snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var st statusResponse
			if err := c.json(http.MethodGet, "/status", nil, &st); err != nil {
				return err
			}
			if asJSON {
				return printJSON(st)
			}
			fmt.Printf("Server:            %s\n", c.baseURL)
			fmt.Printf("Listening on:      %s\n", st.Listen)
			fmt.Printf("Preferred:         %s\n", st.PreferredProvider)
			if st.ManualOverride != "" {
				fmt.Printf("Manual override:   %s\n", st.ManualOverride)
			}
			fmt.Printf("Active provider:   %s (%s)\n", st.ActiveProvider, st.ActiveReason)
			fmt.Printf("Last activity:     %s\n", fmtUnixMS(st.LastActivityUnixMS))
			fmt.Println()

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PROVIDER\tHEALTHY\tCONSEC FAIL\tCOOLDOWN UNTIL\tLAST ERROR")
			for name, h := range st.Providers {
				cooldown := "-"
				if h.CooldownUntilMS > 0 {
					cooldown = fmtUnixMS(h.CooldownUntilMS)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%v\t%d\t%s\t%s\n", name, h.IsHealthy, h.ConsecutiveFailures, cooldown, h.LastError)
			}
			_ = tw.Flush()

			if len(st.Quota) > 0 {
				fmt.Println()
				tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "PROVIDER\tKIND\tREMAINING\tTODAY USED\tLAST ERROR")
				for _, q := range st.Quota {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", q.Provider, q.Kind, fmtFloatPtr(q.Remaining), fmtFloatPtr(q.TodayUsed), q.LastError)
				}
				_ = tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON status document")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the gateway's liveness probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var out map[string]bool
			if err := c.json(http.MethodGet, "/health", nil, &out); err != nil {
				return err
			}
			if out["ok"] {
				fmt.Println("ok")
				return nil
			}
			return fmt.Errorf("gateway reported unhealthy")
		},
	}
}

func newOverrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Show, set, or clear the manual routing override",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the current manual override",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				var out map[string]string
				if err := c.json(http.MethodGet, "/admin/v1/override", nil, &out); err != nil {
					return err
				}
				if out["provider"] == "" {
					fmt.Println("no manual override set")
					return nil
				}
				fmt.Println(out["provider"])
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <provider>",
			Short: "Force routing to a specific provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				body := strings.NewReader(fmt.Sprintf(`{"provider":%s}`, jsonStr(args[0])))
				var out map[string]string
				if err := c.json(http.MethodPost, "/admin/v1/override", body, &out); err != nil {
					return err
				}
				fmt.Printf("routing forced to %s\n", out["provider"])
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear the manual override",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				if err := c.json(http.MethodDelete, "/admin/v1/override", nil, nil); err != nil {
					return err
				}
				fmt.Println("manual override cleared")
				return nil
			},
		},
	)
	return cmd
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Unlock, lock, or rotate the credential vault",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "unlock <password>",
			Short: "Unlock the vault, initializing it on first use",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				body := strings.NewReader(fmt.Sprintf(`{"password":%s}`, jsonStr(args[0])))
				var out map[string]bool
				if err := c.json(http.MethodPost, "/admin/v1/vault/unlock", body, &out); err != nil {
					return err
				}
				if out["initialized"] {
					fmt.Println("vault initialized and unlocked")
				} else {
					fmt.Println("vault unlocked")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "lock",
			Short: "Lock the vault immediately",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				if err := c.json(http.MethodPost, "/admin/v1/vault/lock", strings.NewReader("{}"), nil); err != nil {
					return err
				}
				fmt.Println("vault locked")
				return nil
			},
		},
		&cobra.Command{
			Use:   "rotate <new-password>",
			Short: "Re-key the vault with a new password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				body := strings.NewReader(fmt.Sprintf(`{"new_password":%s}`, jsonStr(args[0])))
				if err := c.json(http.MethodPost, "/admin/v1/vault/rotate", body, nil); err != nil {
					return err
				}
				fmt.Println("vault password rotated")
				return nil
			},
		},
	)
	return cmd
}

func newAdminTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Print or rotate the admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := resolveAdminToken()
			if tok == "" {
				return fmt.Errorf("admin token not found — set RESPGATE_ADMIN_TOKEN or ensure respgate has started at least once")
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Rotate the admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var out map[string]string
			if err := c.json(http.MethodPost, "/admin/v1/admin-token/rotate", strings.NewReader("{}"), &out); err != nil {
				return err
			}
			fmt.Println("admin token rotated")
			fmt.Println("new token:", out["admin_token"])
			return nil
		},
	})
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream routing, health, and quota events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			resp, err := c.do(http.MethodGet, "/admin/v1/events", nil)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			}

			fmt.Println("streaming events (ctrl-c to stop)...")
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 1<<20)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				payload := strings.TrimPrefix(line, "data:")
				if payload == line {
					continue
				}
				payload = strings.TrimSpace(payload)
				var ev struct {
					Type       string  `json:"type"`
					Timestamp  string  `json:"timestamp"`
					Provider   string  `json:"provider"`
					Model      string  `json:"model"`
					LatencyMs  float64 `json:"latency_ms"`
					ErrorMsg   string  `json:"error_msg"`
					Reason     string  `json:"reason"`
					OldState   string  `json:"old_state"`
					NewState   string  `json:"new_state"`
				}
				if json.Unmarshal([]byte(payload), &ev) != nil {
					continue
				}
				ts := time.Now().Format("15:04:05")
				switch ev.Type {
				case "route_error":
					fmt.Printf("[%s] %-14s provider=%s model=%s error=%s\n", ts, ev.Type, ev.Provider, ev.Model, ev.ErrorMsg)
				case "health_change":
					fmt.Printf("[%s] %-14s provider=%s %s->%s\n", ts, ev.Type, ev.Provider, ev.OldState, ev.NewState)
				default:
					fmt.Printf("[%s] %-14s provider=%s model=%s latency=%.0fms reason=%s\n", ts, ev.Type, ev.Provider, ev.Model, ev.LatencyMs, ev.Reason)
				}
			}
			return scanner.Err()
		},
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func fmtUnixMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func fmtFloatPtr(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *f)
}

func init() {
	http.DefaultClient.Timeout = 30 * time.Second
}
