package agent

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mastery_cards/internal/domain"
)

// Graph fans a transcript out to every classifier and gathers what comes back. A failing
// classifier only loses its own finding.
type Graph struct {
	classifiers []Classifier
	timeout     time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewGraph(classifiers []Classifier, timeout time.Duration, logger zerolog.Logger) *Graph {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Graph{
		classifiers: classifiers,
		timeout:     timeout,
		logger:      logger.With().Str("component", "agent_graph").Logger(),
		now:         time.Now,
	}
}

func (g *Graph) Run(ctx context.Context, sessionID string, card domain.Card, transcript []domain.TranscriptEntry) domain.Insights {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results := make([]*domain.Finding, len(g.classifiers))
	var eg errgroup.Group
	for i, c := range g.classifiers {
		eg.Go(func() error {
			f, err := c.Classify(ctx, card, transcript)
			if err != nil {
				g.logger.Warn().Err(err).Str("session_id", sessionID).Str("kind", string(c.Kind())).Msg("classifier failed")
				return nil
			}
			results[i] = &f
			return nil
		})
	}
	_ = eg.Wait()

	ins := domain.Insights{SessionID: sessionID, CardID: card.ID, CreatedAt: g.now().UTC()}
	for _, f := range results {
		if f != nil {
			ins.Findings = append(ins.Findings, *f)
		}
	}
	return ins
}

var kindPriority = map[domain.FindingKind]int{
	domain.FindingEmotional:     0,
	domain.FindingMisconception: 1,
	domain.FindingPrerequisite:  2,
}

// Guidance joins the guidance of detected findings at or above minConfidence, emotional state
// first. It is empty when nothing is worth telling the tutor.
func Guidance(ins domain.Insights, minConfidence int) string {
	var picked []domain.Finding
	for _, f := range ins.Findings {
		if f.Detected && f.Confidence >= minConfidence && f.Guidance != "" {
			picked = append(picked, f)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return kindPriority[picked[i].Kind] < kindPriority[picked[j].Kind]
	})
	parts := make([]string, 0, len(picked))
	for _, f := range picked {
		parts = append(parts, f.Guidance)
	}
	return strings.Join(parts, " ")
}
