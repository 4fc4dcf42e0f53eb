package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codetally/codetally/internal/config"
	"github.com/codetally/codetally/internal/credstore"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check agent configuration and connectivity",
	Long: `Check the agent setup: configuration file, stored credentials, the
local agent endpoint, and aggregator reachability.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ok := color.New(color.FgGreen).PrintfFunc()
	warn := color.New(color.FgYellow).PrintfFunc()
	fail := color.New(color.FgRed).PrintfFunc()

	failures := 0

	// Configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fail("✗ Configuration: %v\n", err)
		return fmt.Errorf("cannot continue without configuration")
	}
	ok("✓ Configuration loaded from %s\n", configPath)

	// Credentials
	creds := credstore.New(cfg.Agent.CredentialsPath)
	if token := creds.Get(credstore.TokenKey); token == "" {
		fail("✗ No API token stored; run \"codetally token generate\"\n")
		failures++
	} else {
		ok("✓ API token present (%s)\n", cfg.Agent.CredentialsPath)
	}

	httpc := &http.Client{Timeout: 5 * time.Second}

	// Local agent
	statusURL := fmt.Sprintf("http://%s/status", cfg.Agent.ListenAddress)
	resp, err := httpc.Get(statusURL)
	if err != nil {
		warn("- Agent not running at %s (start it with \"codetally agent\")\n", cfg.Agent.ListenAddress)
	} else {
		var status struct {
			Tracking          bool   `json:"tracking"`
			FormattedDuration string `json:"formattedDuration"`
			QueuedDeltas      int    `json:"queuedDeltas"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err == nil {
			ok("✓ Agent running; today: %s, tracking: %v, queued: %d\n",
				status.FormattedDuration, status.Tracking, status.QueuedDeltas)
		} else {
			warn("- Agent responded but status was unreadable: %v\n", err)
		}
		_ = resp.Body.Close()
	}

	// Aggregator
	healthURL := cfg.Agent.Endpoint + "/health"
	resp, err = httpc.Get(healthURL)
	if err != nil {
		fail("✗ Aggregator unreachable at %s: %v\n", cfg.Agent.Endpoint, err)
		failures++
	} else {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			ok("✓ Aggregator reachable at %s\n", cfg.Agent.Endpoint)
		} else {
			fail("✗ Aggregator health check returned %d\n", resp.StatusCode)
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	return nil
}
