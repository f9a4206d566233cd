package domain

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RolePi      Role = "pi"
	RoleStudent Role = "student"
	RoleSystem  Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RolePi, RoleStudent, RoleSystem:
		return true
	}
	return false
}

type MasteryLevel string

const (
	MasteryNone     MasteryLevel = "none"
	MasteryBasic    MasteryLevel = "basic"
	MasteryAdvanced MasteryLevel = "advanced"
	MasteryTeaching MasteryLevel = "teaching"
)

func (l MasteryLevel) Valid() bool {
	switch l {
	case MasteryNone, MasteryBasic, MasteryAdvanced, MasteryTeaching:
		return true
	}
	return false
}

type SuggestedAction string

const (
	ActionContinue          SuggestedAction = "continue"
	ActionAwardAndNext      SuggestedAction = "award_and_next"
	ActionNextWithoutPoints SuggestedAction = "next_without_points"
)

func (a SuggestedAction) Valid() bool {
	switch a {
	case ActionContinue, ActionAwardAndNext, ActionNextWithoutPoints:
		return true
	}
	return false
}

// Advances reports whether the action moves the lesson to the next card.
func (a SuggestedAction) Advances() bool {
	return a == ActionAwardAndNext || a == ActionNextWithoutPoints
}

type BackendMode string

const (
	BackendServer BackendMode = "server"
	BackendClient BackendMode = "client"
)

type ConnectionState string

const (
	StateUninitialized ConnectionState = "uninitialized"
	StateConnecting    ConnectionState = "connecting"
	StateServerActive  ConnectionState = "server-active"
	StateClientActive  ConnectionState = "client-active"
	StateDisconnected  ConnectionState = "disconnected"
)

type EvaluationSource string

const (
	SourceServer EvaluationSource = "server"
	SourceClient EvaluationSource = "client"
	SourceForced EvaluationSource = "forced"
)

// TranscriptEntry is one utterance in the lesson. Timestamp is epoch milliseconds.
type TranscriptEntry struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	IsFinal   bool   `json:"isFinal"`
}

func (e TranscriptEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Card is one lesson card the student works through.
type Card struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Concept        string   `json:"concept,omitempty"`
	Goal           string   `json:"goal,omitempty"`
	Misconceptions []string `json:"misconceptions,omitempty"`
	Points         int      `json:"points,omitempty"`
}

type EvaluationResult struct {
	Ready           bool            `json:"ready"`
	Confidence      int             `json:"confidence"`
	MasteryLevel    MasteryLevel    `json:"masteryLevel"`
	Reasoning       string          `json:"reasoning"`
	SuggestedAction SuggestedAction `json:"suggestedAction"`
	Points          *int            `json:"points,omitempty"`
}

// SessionState is the persisted snapshot of one orchestration session.
type SessionState struct {
	SessionID          string            `json:"sessionId"`
	CurrentCard        *Card             `json:"currentCard,omitempty"`
	Transcript         []TranscriptEntry `json:"transcript"`
	LastEvaluationTime int64             `json:"lastEvaluationTime"`
	SavedAt            int64             `json:"savedAt"`
}

type EvaluationRecord struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"sessionId"`
	CardID    string           `json:"cardId"`
	Source    EvaluationSource `json:"source"`
	Result    EvaluationResult `json:"result"`
	CreatedAt time.Time        `json:"createdAt"`
}

type FindingKind string

const (
	FindingMisconception FindingKind = "misconception"
	FindingEmotional     FindingKind = "emotional"
	FindingPrerequisite  FindingKind = "prerequisite"
)

// Finding is the verdict of a single classifier.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	Detected   bool        `json:"detected"`
	Label      string      `json:"label,omitempty"`
	Confidence int         `json:"confidence"`
	Guidance   string      `json:"guidance,omitempty"`
}

type Insights struct {
	SessionID string    `json:"sessionId"`
	CardID    string    `json:"cardId"`
	Findings  []Finding `json:"findings"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventKind names what travels on the in-process bus.
type EventKind string

const (
	EventEvaluation  EventKind = "evaluation"
	EventAdvanceCard EventKind = "advance_card"
	EventInject      EventKind = "inject_message"
	EventStudentTurn EventKind = "student_turn"
	EventError       EventKind = "error"

	// EventSessionClosed tells agents to drop per-session state.
	EventSessionClosed EventKind = "session_closed"
)

type Event struct {
	Topic      string            `json:"topic"`
	Kind       EventKind         `json:"kind"`
	SessionID  string            `json:"sessionId"`
	Card       *Card             `json:"card,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
	Message    string            `json:"message,omitempty"`
	Code       string            `json:"code,omitempty"`
	Points     *int              `json:"points,omitempty"`
	ReplyTo    string            `json:"replyTo,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// EvaluationRequest is what a judge receives.
type EvaluationRequest struct {
	SessionID  string            `json:"sessionId"`
	Card       Card              `json:"card"`
	Transcript []TranscriptEntry `json:"transcript"`
	Forced     bool              `json:"forced"`
}
