package protocol

import "strings"

const DefaultSubjectPrefix = "capture"

// Subjects derives every bus subject from one prefix.
type Subjects struct {
	Prefix string
}

func NewSubjects(prefix string) Subjects {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{Prefix: prefix}
}

func (s Subjects) ConversationStart() string { return s.Prefix + ".conversation.start" }
func (s Subjects) ConversationEnd() string   { return s.Prefix + ".conversation.end" }
func (s Subjects) ObjectiveStart() string    { return s.Prefix + ".objective.start" }

func (s Subjects) Utterance(traceID string) string { return s.Prefix + ".utterance." + traceID }
func (s Subjects) BargeIn(traceID string) string   { return s.Prefix + ".bargein." + traceID }
func (s Subjects) Speech(traceID string) string    { return s.Prefix + ".speech." + traceID }
func (s Subjects) Events(traceID string) string    { return s.Prefix + ".events." + traceID }

func (s Subjects) AllUtterances() string { return s.Utterance("*") }
func (s Subjects) AllBargeIns() string   { return s.BargeIn("*") }
func (s Subjects) AllEvents() string     { return s.Events("*") }

// TraceOf returns the trace token that ends subject.
func TraceOf(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
