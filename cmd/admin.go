package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"threadloom/pkg/auth"
	"threadloom/pkg/config"
	"threadloom/pkg/gateway"
	"threadloom/pkg/retry"
)

var adminURL string

func clientFromConfig() (*gateway.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return adminClient(cfg)
}

// adminClient mints tokens from admin.jwt_secret and talks to a running serve process.
func adminClient(cfg *config.Config) (*gateway.Client, error) {
	issuer, err := auth.NewIssuer(cfg.Admin.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("admin.jwt_secret: %w", err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Engine.Retry.MaxAttempts

	return gateway.NewClient(adminBaseURL(cfg), issuer, gateway.ClientOptions{
		Retry:    policy,
		TokenTTL: cfg.Admin.TokenTTL,
	})
}

func adminBaseURL(cfg *config.Config) string {
	if value := strings.TrimSpace(adminURL); value != "" {
		return value
	}
	if value := strings.TrimSpace(cfg.Admin.BaseURL); value != "" {
		return value
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func renderInstances(w io.Writer, views []gateway.InstanceView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "no instances")
		return
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "WORKFLOW", "STATUS", "PENDING", "STEPS", "UPDATED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, v := range views {
		t.Row(v.ID, v.Workflow, v.Status, fmt.Sprint(v.Pending), fmt.Sprint(v.Steps), v.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w, t.Render())
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
