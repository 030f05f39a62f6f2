package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hkuds/appbox/internal/config"
	"github.com/hkuds/appbox/internal/sandbox"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List live sandboxes",
	Long:  "Query a running engine and list its sandboxes with status, ports, and ages.",
	RunE:  runStatus,
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/v1/sandboxes", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("engine not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body struct {
		Sandboxes []sandbox.Info `json:"sandboxes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if len(body.Sandboxes) == 0 {
		fmt.Println(dimStyle.Render("no live sandboxes"))
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-24s %-8s %-9s %-7s %-10s %s",
		"PROJECT", "KIND", "STATUS", "PORTS", "AGE", "IDLE")))
	now := time.Now()
	for _, sb := range body.Sandboxes {
		status := string(sb.Status)
		switch sb.Status {
		case sandbox.StatusRunning:
			status = runningStyle.Render(status)
		case sandbox.StatusStopped:
			status = stoppedStyle.Render(status)
		case sandbox.StatusError:
			status = errorStyle.Render(status)
		}
		fmt.Printf("%-24s %-8s %-18s %-7d %-10s %s\n",
			sb.ProjectID,
			sb.Kind,
			status,
			len(sb.Ports),
			now.Sub(sb.CreatedAt).Round(time.Minute),
			now.Sub(sb.LastActivity).Round(time.Minute),
		)
	}
	return nil
}
