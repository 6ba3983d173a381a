package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-amplifier/internal/config"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// styled reports whether w is a terminal that should get styled output.
func styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// serverURL returns the base URL of the configured server. Wildcard listen
// hosts are dialled on loopback.
func serverURL(cfg config.Config) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func fetchJSON(ctx context.Context, url, token string, out any) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
}

func runStatusCommand(ctx context.Context, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print the raw health response")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: amplifierd status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	var health healthResponse
	code, body, err := fetchJSON(ctx, serverURL(cfg)+"/health", "", &health)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if *asJSON || !styled(w) {
		_, _ = w.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = io.WriteString(w, "\n")
		}
	} else {
		fmt.Fprintln(w, renderHealth(health, code))
	}
	if code != http.StatusOK {
		return 1
	}
	return 0
}

func renderHealth(h healthResponse, code int) string {
	state := okStyle.Render(h.Status)
	if code != http.StatusOK || h.Status != "healthy" {
		state = badStyle.Render(fmt.Sprintf("unhealthy (%d)", code))
	}
	lines := []string{
		headStyle.Render("amplifierd"),
		labelStyle.Render("status   ") + state,
		labelStyle.Render("version  ") + h.Version,
		labelStyle.Render("uptime   ") + (time.Duration(h.UptimeSeconds) * time.Second).String(),
		labelStyle.Render("sessions ") + strconv.Itoa(h.ActiveSessions),
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

type sessionsResponse struct {
	Sessions []struct {
		SessionID string    `json:"session_id"`
		Status    string    `json:"status"`
		Profile   string    `json:"profile"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"sessions"`
	Total int `json:"total"`
}

func runSessionsCommand(ctx context.Context, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print the raw session list")
	status := fs.String("status", "", "only list sessions with this status")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: amplifierd sessions [-json] [-status <status>]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	url := serverURL(cfg) + "/sessions"
	if *status != "" {
		url += "?status=" + *status
	}
	var list sessionsResponse
	code, body, err := fetchJSON(ctx, url, cfg.AuthToken, &list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessions: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "sessions: server returned %d: %s\n", code, strings.TrimSpace(string(body)))
		return 1
	}
	if *asJSON {
		_, _ = w.Write(body)
		return 0
	}

	pretty := styled(w)
	header := fmt.Sprintf("%-38s %-18s %-14s %s", "SESSION", "STATUS", "PROFILE", "CREATED")
	if pretty {
		header = headStyle.Render(header)
	}
	fmt.Fprintln(w, header)
	for _, s := range list.Sessions {
		st := fmt.Sprintf("%-18s", s.Status)
		if pretty {
			switch s.Status {
			case "error":
				st = badStyle.Render(st)
			case "idle":
				st = okStyle.Render(st)
			}
		}
		fmt.Fprintf(w, "%-38s %s %-14s %s\n", s.SessionID, st, s.Profile, s.CreatedAt.Local().Format(time.DateTime))
	}
	footer := fmt.Sprintf("%d shown, %d total", len(list.Sessions), list.Total)
	if pretty {
		footer = labelStyle.Render(footer)
	}
	fmt.Fprintln(w, footer)
	return 0
}
