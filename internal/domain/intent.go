package domain

// Intent is the structured category extracted from a contact's free text.
type Intent string

const (
	IntentSchedule     Intent = "schedule"
	IntentCancel       Intent = "cancel"
	IntentReschedule   Intent = "reschedule"
	IntentRequestHuman Intent = "request_human"
	IntentInquiry      Intent = "inquiry"
	IntentOther        Intent = "other"
)

// Valid reports whether the intent is one of the known categories.
func (i Intent) Valid() bool {
	switch i {
	case IntentSchedule, IntentCancel, IntentReschedule,
		IntentRequestHuman, IntentInquiry, IntentOther:
		return true
	}
	return false
}

// ExtractedIntent is the structured result of one AI extraction call.
// Produced fresh per call, never mutated. Slot fields are optional.
type ExtractedIntent struct {
	Intent      Intent  `json:"intent"`
	Date        string  `json:"date,omitempty"`
	Time        string  `json:"time,omitempty"`
	Procedure   string  `json:"procedure,omitempty"`
	ContactName string  `json:"contactName,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Reply is what the extractor hands back to the router: the text to send
// plus the intent it derived.
type Reply struct {
	Text   string
	Intent ExtractedIntent
}

// HistoryTurn is one prior utterance fed to the extractor as context.
type HistoryTurn struct {
	Role string // "user" for the contact, "assistant" for replies
	Text string
}
