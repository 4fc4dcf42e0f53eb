package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codetally/codetally/internal/agent"
	"github.com/codetally/codetally/internal/config"
	"github.com/codetally/codetally/internal/credstore"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statsDaysFlag int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recent coding time from the aggregator",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsDaysFlag, "days", 7, "Number of recent days to show")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	creds := credstore.New(cfg.Agent.CredentialsPath)
	token := creds.Get(credstore.TokenKey)
	if token == "" {
		return fmt.Errorf("no API token stored; run \"codetally token generate\" first")
	}
	userID := creds.Get(agent.UserIDKey)
	if userID == "" {
		return fmt.Errorf("no user identity yet; run the agent once to create one")
	}

	url := fmt.Sprintf("%s/stats/%s?limit=%d", cfg.Agent.Endpoint, userID, statsDaysFlag)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpc := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator returned %d", resp.StatusCode)
	}

	var stats struct {
		Days []struct {
			Date              string           `json:"date"`
			TotalSeconds      int64            `json:"totalSeconds"`
			FormattedDuration string           `json:"formattedDuration"`
			Languages         map[string]int64 `json:"languages"`
		} `json:"days"`
		TotalSeconds int64 `json:"totalSeconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("unreadable response: %w", err)
	}

	if len(stats.Days) == 0 {
		fmt.Println("No coding activity recorded yet.")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("Coding time, last %d day(s)\n\n", statsDaysFlag)

	for _, day := range stats.Days {
		top := ""
		var topSecs int64
		for lang, secs := range day.Languages {
			if secs > topSecs {
				top, topSecs = lang, secs
			}
		}
		fmt.Printf("  %s  %-12s", day.Date, day.FormattedDuration)
		if top != "" {
			color.New(color.FgCyan).Printf("  %s", top)
		}
		fmt.Println()
	}

	fmt.Println()
	bold.Printf("Total: ")
	hours := stats.TotalSeconds / 3600
	minutes := (stats.TotalSeconds % 3600) / 60
	fmt.Printf("%dh %dm\n", hours, minutes)

	return nil
}
