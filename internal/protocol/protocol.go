// Package protocol defines the JSON frames exchanged with the orchestration server.
// Frames are fire-and-forget: there is no versioning, acknowledgement or sequencing beyond
// the init/init_ack round trip that opens a session.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"mastery_cards/internal/domain"
)

const (
	TypeInit            = "init"
	TypeTranscript      = "transcript"
	TypeCardChange      = "card_change"
	TypeForceEvaluation = "force_evaluation"

	TypeInitAck       = "init_ack"
	TypeEvaluation    = "evaluation"
	TypeAdvanceCard   = "advance_card"
	TypeInjectMessage = "inject_message"
	TypeError         = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientMessage is any frame sent from the tutoring client to the server.
type ClientMessage struct {
	Type       string                   `json:"type"`
	SessionID  string                   `json:"sessionId,omitempty"`
	Card       *domain.Card             `json:"card,omitempty"`
	Entry      *domain.TranscriptEntry  `json:"entry,omitempty"`
	Transcript []domain.TranscriptEntry `json:"transcript,omitempty"`
}

// ServerMessage is any frame pushed from the server to the client.
type ServerMessage struct {
	Type       string                   `json:"type"`
	SessionID  string                   `json:"sessionId,omitempty"`
	CardID     string                   `json:"cardId,omitempty"`
	Evaluation *domain.EvaluationResult `json:"evaluation,omitempty"`
	Points     *int                     `json:"points,omitempty"`
	Message    string                   `json:"message,omitempty"`
	Error      *ErrorBody               `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Init(sessionID string, card *domain.Card, transcript []domain.TranscriptEntry) ClientMessage {
	return ClientMessage{Type: TypeInit, SessionID: sessionID, Card: card, Transcript: transcript}
}

func Transcript(entry domain.TranscriptEntry) ClientMessage {
	return ClientMessage{Type: TypeTranscript, Entry: &entry}
}

func CardChange(card domain.Card) ClientMessage {
	return ClientMessage{Type: TypeCardChange, Card: &card}
}

func ForceEvaluation() ClientMessage {
	return ClientMessage{Type: TypeForceEvaluation}
}

func ErrorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Error: &ErrorBody{Code: code, Message: message}}
}

func DecodeClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, badRequest("invalid json frame", err.Error())
	}
	switch msg.Type {
	case TypeInit:
		if strings.TrimSpace(msg.SessionID) == "" {
			return ClientMessage{}, badRequest("init requires a session id", "sessionId")
		}
	case TypeTranscript:
		if msg.Entry == nil {
			return ClientMessage{}, badRequest("transcript requires an entry", "entry")
		}
		if !msg.Entry.Role.Valid() {
			return ClientMessage{}, badRequest("unknown transcript role", string(msg.Entry.Role))
		}
	case TypeCardChange:
		if msg.Card == nil || strings.TrimSpace(msg.Card.ID) == "" {
			return ClientMessage{}, badRequest("card_change requires a card with an id", "card")
		}
	case TypeForceEvaluation:
	case "":
		return ClientMessage{}, badRequest("missing frame type", "type")
	default:
		return ClientMessage{}, unsupported("unsupported client frame type", msg.Type)
	}
	return msg, nil
}

func DecodeServer(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, badRequest("invalid json frame", err.Error())
	}
	switch msg.Type {
	case TypeInitAck, TypeAdvanceCard:
	case TypeEvaluation:
		if msg.Evaluation == nil {
			return ServerMessage{}, badRequest("evaluation frame without result", "evaluation")
		}
	case TypeInjectMessage:
		if strings.TrimSpace(msg.Message) == "" {
			return ServerMessage{}, badRequest("inject_message without text", "message")
		}
	case TypeError:
		if msg.Error == nil {
			msg.Error = &ErrorBody{Code: "unknown", Message: "server error"}
		}
	case "":
		return ServerMessage{}, badRequest("missing frame type", "type")
	default:
		return ServerMessage{}, unsupported("unsupported server frame type", msg.Type)
	}
	return msg, nil
}
