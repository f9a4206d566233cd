package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/orchestrator"
)

func renderSessionsTable(table *tview.Table, sessions []orchestrator.SessionSummary, selectedID string) {
	table.Clear()
	headers := []string{"Session", "Live", "Card", "Entries", "Saved"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, s := range sessions {
		row := i + 1
		live := ""
		if s.Active {
			live = "●"
		}
		card := "-"
		if s.CurrentCard != nil {
			card = trimLine(firstNonEmpty(s.CurrentCard.Title, s.CurrentCard.ID), 32)
		}
		saved := "-"
		if s.SavedAt > 0 {
			saved = time.UnixMilli(s.SavedAt).Format("15:04:05")
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(s.SessionID)))
		table.SetCell(row, 1, tview.NewTableCell(live).SetTextColor(tcell.ColorGreen))
		table.SetCell(row, 2, tview.NewTableCell(card))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", s.Entries)).SetAlign(tview.AlignRight))
		table.SetCell(row, 4, tview.NewTableCell(saved))
		if s.SessionID == selectedID {
			table.Select(row, 0)
		}
	}
}

func filterSessions(sessions []orchestrator.SessionSummary, filter string) []orchestrator.SessionSummary {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return sessions
	}
	out := sessions[:0:0]
	for _, s := range sessions {
		hay := strings.ToLower(s.SessionID)
		if s.CurrentCard != nil {
			hay += " " + strings.ToLower(s.CurrentCard.ID+" "+s.CurrentCard.Title)
		}
		if strings.Contains(hay, filter) {
			out = append(out, s)
		}
	}
	return out
}

func renderCard(card *domain.Card) string {
	if card == nil {
		return "No card"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-] (%s) points=%d\n", tview.Escape(card.Title), card.ID, card.Points)
	if card.Concept != "" {
		b.WriteString("concept: " + tview.Escape(card.Concept) + "\n")
	}
	if card.Goal != "" {
		b.WriteString("goal: " + tview.Escape(card.Goal) + "\n")
	}
	if len(card.Misconceptions) > 0 {
		b.WriteString("watch for: " + tview.Escape(strings.Join(card.Misconceptions, "; ")) + "\n")
	}
	return b.String()
}

func renderTranscript(entries []domain.TranscriptEntry) string {
	if len(entries) == 0 {
		return "No transcript"
	}
	var b strings.Builder
	for _, e := range entries {
		color := "white"
		switch e.Role {
		case domain.RoleStudent:
			color = "yellow"
		case domain.RolePi:
			color = "aqua"
		}
		fmt.Fprintf(&b, "[gray]%s[-] [%s]%-7s[-] %s\n",
			e.Time().Format("15:04:05"), color, e.Role, tview.Escape(e.Text))
	}
	return b.String()
}

func renderEvaluations(records []domain.EvaluationRecord) string {
	if len(records) == 0 {
		return "No evaluations"
	}
	var b strings.Builder
	for _, r := range records {
		ready := "[red]not ready[-]"
		if r.Result.Ready {
			ready = "[green]ready[-]"
		}
		fmt.Fprintf(&b, "[%s] %s card=%s %s level=%s confidence=%d action=%s\n",
			r.CreatedAt.Format("15:04:05"),
			r.Source,
			r.CardID,
			ready,
			r.Result.MasteryLevel,
			r.Result.Confidence,
			r.Result.SuggestedAction,
		)
		if r.Result.Reasoning != "" {
			b.WriteString("  " + tview.Escape(trimLine(r.Result.Reasoning, 160)) + "\n")
		}
	}
	return b.String()
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
