package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/orchestrator"
)

func TestFilterSessions(t *testing.T) {
	sessions := []orchestrator.SessionSummary{
		{SessionID: "alpha", CurrentCard: &domain.Card{ID: "c1", Title: "Fractions"}},
		{SessionID: "beta"},
	}
	assert.Len(t, filterSessions(sessions, ""), 2)
	got := filterSessions(sessions, "fraction")
	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].SessionID)
	assert.Len(t, sessions, 2)
	assert.Empty(t, filterSessions(sessions, "gamma"))
}

func TestRenderEvaluations(t *testing.T) {
	assert.Equal(t, "No evaluations", renderEvaluations(nil))
	out := renderEvaluations([]domain.EvaluationRecord{{
		SessionID: "s1",
		CardID:    "c1",
		Source:    domain.SourceForced,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local),
		Result: domain.EvaluationResult{
			Ready:           true,
			Confidence:      85,
			MasteryLevel:    domain.MasteryAdvanced,
			SuggestedAction: domain.ActionAwardAndNext,
			Reasoning:       "explains [why] the bigger piece is larger",
		},
	}})
	assert.Contains(t, out, "forced card=c1")
	assert.Contains(t, out, "level=advanced confidence=85 action=award_and_next")
	assert.Contains(t, out, "[why[]")
}

func TestRenderTranscript(t *testing.T) {
	out := renderTranscript([]domain.TranscriptEntry{
		{Role: domain.RolePi, Text: "Which is bigger?"},
		{Role: domain.RoleStudent, Text: "three fourths"},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "three fourths")
}

func TestClientReadsSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			_ = json.NewEncoder(w).Encode([]orchestrator.SessionSummary{{SessionID: "s1", Active: true, Entries: 3}})
		case "/sessions/s1":
			_ = json.NewEncoder(w).Encode(domain.SessionState{SessionID: "s1"})
		case "/sessions/s1/evaluations":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode([]domain.EvaluationRecord{{SessionID: "s1"}})
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL + "/")
	sessions, err := c.listSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Active)

	state, err := c.getSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", state.SessionID)

	evals, err := c.listEvaluations("s1", 5)
	require.NoError(t, err)
	assert.Len(t, evals, 1)

	_, err = c.getSession("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestListenAddr(t *testing.T) {
	got, err := listenAddr("http://127.0.0.1:8787")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", got)

	_, err = listenAddr("http://localhost")
	require.Error(t, err)
}
