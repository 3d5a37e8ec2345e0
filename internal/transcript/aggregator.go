package transcript

import (
	"slices"
	"strings"
)

const (
	SpeakerUser          = "You"
	DefaultAssistantName = "Chandram"
)

// Entry is one committed turn of one speaker.
type Entry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Aggregator folds partial transcription events into committed turns.
// It is not safe for concurrent use; the session manager serializes access.
type Aggregator struct {
	assistant string
	user      strings.Builder
	model     strings.Builder
	interim   string
	history   []Entry
}

func NewAggregator(assistantName string) *Aggregator {
	assistantName = strings.TrimSpace(assistantName)
	if assistantName == "" {
		assistantName = DefaultAssistantName
	}
	return &Aggregator{assistant: assistantName}
}

func (a *Aggregator) AssistantName() string { return a.assistant }

// AppendUser adds partial user speech and returns the new interim text.
func (a *Aggregator) AppendUser(text string) string {
	a.user.WriteString(text)
	a.interim = a.user.String()
	return a.interim
}

func (a *Aggregator) AppendModel(text string) {
	a.model.WriteString(text)
}

// FlushTurn commits the non-empty buffers, user first, and returns the new
// entries.
func (a *Aggregator) FlushTurn() []Entry {
	var added []Entry
	if text := strings.TrimSpace(a.user.String()); text != "" {
		added = append(added, Entry{Speaker: SpeakerUser, Text: text})
	}
	if text := strings.TrimSpace(a.model.String()); text != "" {
		added = append(added, Entry{Speaker: a.assistant, Text: text})
	}
	a.history = append(a.history, added...)
	a.ClearPending()
	return added
}

// ClearPending drops the uncommitted buffers and interim text.
func (a *Aggregator) ClearPending() {
	a.user.Reset()
	a.model.Reset()
	a.interim = ""
}

func (a *Aggregator) Interim() string { return a.interim }

func (a *Aggregator) History() []Entry { return slices.Clone(a.history) }

// Reset clears history as well, for the start of a new session.
func (a *Aggregator) Reset() {
	a.ClearPending()
	a.history = nil
}
