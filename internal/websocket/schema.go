package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestPayload is every client message. Only the fields its action needs are set.
type RequestPayload struct {
	Action       Action `json:"action"`
	QID          string `json:"q_id,omitempty"`
	Answer       string `json:"ans,omitempty"`
	CurrentIndex int    `json:"current_index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventSaved  Event = "saved"
	EventGraded Event = "graded"
	EventPong   Event = "pong"
)

type SavedResponse struct {
	Event Event  `json:"event"`
	QID   string `json:"q_id"`
}

// GradedResponse carries the session's result. AlreadySubmitted marks a
// repeated submit answered from the stored result.
type GradedResponse struct {
	Event            Event  `json:"event"`
	Score            int    `json:"score"`
	TotalQuestions   int    `json:"totalQuestions"`
	Percentage       int    `json:"percentage"`
	Status           string `json:"status"`
	AlreadySubmitted bool   `json:"alreadySubmitted"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
