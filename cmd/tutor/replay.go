package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"mastery_cards/internal/domain"
)

// step is one line of a replay file. Exactly one field is set.
type step struct {
	Card  *domain.Card            `json:"card,omitempty"`
	Entry *domain.TranscriptEntry `json:"entry,omitempty"`
	Force bool                    `json:"force,omitempty"`
	// Pause waits before the next line, in milliseconds.
	Pause int `json:"pause,omitempty"`
}

// readSteps parses a JSONL replay. Blank lines and lines starting with # are skipped. Entries
// without a timestamp get now, and entries without an explicit isFinal are treated as final.
func readSteps(r io.Reader, now func() time.Time) ([]step, error) {
	var out []step
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var s step
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		set := 0
		if s.Card != nil {
			set++
		}
		if s.Entry != nil {
			set++
		}
		if s.Force {
			set++
		}
		if s.Pause > 0 {
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("line %d: expected exactly one of card, entry, force, pause", line)
		}
		if s.Card != nil && strings.TrimSpace(s.Card.ID) == "" {
			return nil, fmt.Errorf("line %d: card id is required", line)
		}
		if s.Entry != nil {
			if !s.Entry.Role.Valid() {
				return nil, fmt.Errorf("line %d: unknown role %q", line, s.Entry.Role)
			}
			if s.Entry.Timestamp == 0 {
				s.Entry.Timestamp = now().UnixMilli()
			}
			if !strings.Contains(raw, `"isFinal"`) {
				s.Entry.IsFinal = true
			}
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
