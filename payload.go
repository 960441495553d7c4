package xmesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Payload is the closed set of message bodies. Every MessageType maps to exactly
// one payload struct; see payloadKinds.
type Payload interface {
	payload()
}

type CodeReviewRequestPayload struct {
	File    string  `json:"file"`
	Lines   *[2]int `json:"lines,omitempty"`
	Context string  `json:"context,omitempty"`
	Urgency string  `json:"urgency,omitempty"`
}

type CodeSuggestion struct {
	Line    int    `json:"line"`
	Type    string `json:"type"` // error, warning, info, style
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

type CodeReviewResponsePayload struct {
	Suggestions     []CodeSuggestion `json:"suggestions"`
	OverallFeedback string           `json:"overallFeedback,omitempty"`
	Approved        *bool            `json:"approved,omitempty"`
}

type FileChange struct {
	File        string `json:"file"`
	Diff        string `json:"diff"`
	Description string `json:"description"`
}

type RefactorSuggestionPayload struct {
	File        string       `json:"file"`
	Description string       `json:"description"`
	Changes     []FileChange `json:"changes"`
	Benefits    []string     `json:"benefits"`
	Risks       []string     `json:"risks,omitempty"`
}

// RefactorDecisionPayload answers a refactor suggestion (accepted or rejected).
type RefactorDecisionPayload struct {
	SuggestionID string `json:"suggestionId"`
	Reason       string `json:"reason,omitempty"`
}

type ArchitectureProposalPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Components  []string `json:"components,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
}

type ArchitectureFeedbackPayload struct {
	ProposalID string `json:"proposalId"`
	Feedback   string `json:"feedback"`
	Approved   *bool  `json:"approved,omitempty"`
}

type TaskAssignmentPayload struct {
	TaskID       string   `json:"taskId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Deadline     *Millis  `json:"deadline,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// TaskStatusPayload reports progress on, or completion of, a task.
type TaskStatusPayload struct {
	TaskID   string  `json:"taskId"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// PairProgrammingPayload is used for both the request and the response.
type PairProgrammingPayload struct {
	SessionID string `json:"sessionId"`
	File      string `json:"file,omitempty"`
	Goal      string `json:"goal,omitempty"`
	Accepted  *bool  `json:"accepted,omitempty"`
}

type KnowledgeQueryPayload struct {
	Question string   `json:"question"`
	Context  string   `json:"context,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type KnowledgeResponsePayload struct {
	Answer            string   `json:"answer"`
	Confidence        float64  `json:"confidence"`
	Sources           []string `json:"sources,omitempty"`
	FollowUpQuestions []string `json:"followUpQuestions,omitempty"`
}

type HandshakePayload struct {
	Agent Agent `json:"agent"`
}

type HeartbeatPayload struct {
	AgentID string `json:"agentId"`
}

// AckStatus is the state reported by an acknowledgment.
type AckStatus string

const (
	AckReceived   AckStatus = "received"
	AckProcessing AckStatus = "processing"
	AckCompleted  AckStatus = "completed"
	AckFailed     AckStatus = "failed"
)

type AcknowledgmentPayload struct {
	MessageID string    `json:"messageId"`
	Status    AckStatus `json:"status"`
	Timestamp Millis    `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// CustomPayload carries application-defined data under a name.
type CustomPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (*CodeReviewRequestPayload) payload()    {}
func (*CodeReviewResponsePayload) payload()   {}
func (*RefactorSuggestionPayload) payload()   {}
func (*RefactorDecisionPayload) payload()     {}
func (*ArchitectureProposalPayload) payload() {}
func (*ArchitectureFeedbackPayload) payload() {}
func (*TaskAssignmentPayload) payload()       {}
func (*TaskStatusPayload) payload()           {}
func (*PairProgrammingPayload) payload()      {}
func (*KnowledgeQueryPayload) payload()       {}
func (*KnowledgeResponsePayload) payload()    {}
func (*HandshakePayload) payload()            {}
func (*HeartbeatPayload) payload()            {}
func (*AcknowledgmentPayload) payload()       {}
func (*ErrorPayload) payload()                {}
func (*CustomPayload) payload()               {}

var payloadKinds = map[MessageType]func() Payload{
	CodeReviewRequest:       func() Payload { return new(CodeReviewRequestPayload) },
	CodeReviewResponse:      func() Payload { return new(CodeReviewResponsePayload) },
	RefactorSuggestion:      func() Payload { return new(RefactorSuggestionPayload) },
	RefactorAccepted:        func() Payload { return new(RefactorDecisionPayload) },
	RefactorRejected:        func() Payload { return new(RefactorDecisionPayload) },
	ArchitectureProposal:    func() Payload { return new(ArchitectureProposalPayload) },
	ArchitectureFeedback:    func() Payload { return new(ArchitectureFeedbackPayload) },
	TaskAssignment:          func() Payload { return new(TaskAssignmentPayload) },
	TaskStatusUpdate:        func() Payload { return new(TaskStatusPayload) },
	TaskCompleted:           func() Payload { return new(TaskStatusPayload) },
	PairProgrammingRequest:  func() Payload { return new(PairProgrammingPayload) },
	PairProgrammingResponse: func() Payload { return new(PairProgrammingPayload) },
	KnowledgeQuery:          func() Payload { return new(KnowledgeQueryPayload) },
	KnowledgeResponse:       func() Payload { return new(KnowledgeResponsePayload) },
	Handshake:               func() Payload { return new(HandshakePayload) },
	Heartbeat:               func() Payload { return new(HeartbeatPayload) },
	Acknowledgment:          func() Payload { return new(AcknowledgmentPayload) },
	ErrorMessage:            func() Payload { return new(ErrorPayload) },
	Custom:                  func() Payload { return new(CustomPayload) },
}

// Known reports whether t is part of the message type catalogue.
func (t MessageType) Known() bool {
	_, ok := payloadKinds[t]
	return ok
}

func checkPayload(t MessageType, p Payload) error {
	newFn, ok := payloadKinds[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if p == nil || reflect.ValueOf(p).IsNil() {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidMessage, t)
	}
	if want := reflect.TypeOf(newFn()); reflect.TypeOf(p) != want {
		return fmt.Errorf("%w: %s carries %T, want %s", ErrInvalidMessage, t, p, want)
	}
	return nil
}

func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	newFn, ok := payloadKinds[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidMessage, t)
	}
	p := newFn()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidMessage, t, err)
	}
	return p, nil
}
