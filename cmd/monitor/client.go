package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/orchestrator"
)

// client reads the orchestrator's inspection endpoints.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) listSessions() ([]orchestrator.SessionSummary, error) {
	var out []orchestrator.SessionSummary
	if err := c.getJSON("/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getSession(sessionID string) (domain.SessionState, error) {
	var out domain.SessionState
	err := c.getJSON("/sessions/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *client) listEvaluations(sessionID string, limit int) ([]domain.EvaluationRecord, error) {
	var out []domain.EvaluationRecord
	if err := c.getJSON(fmt.Sprintf("/sessions/%s/evaluations?limit=%d", url.PathEscape(sessionID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// listenAddr turns the monitor's base URL into the --addr an embedded orchestrator binds.
func listenAddr(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return "", fmt.Errorf("addr must include explicit port, got %q", base)
	}
	return parsed.Hostname() + ":" + port, nil
}
