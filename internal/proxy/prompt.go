package proxy

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/campusgate/internal/access"
)

// DefaultSystemPrompt is the base instruction sent with every turn.
const DefaultSystemPrompt = `You are the campus assistant. Answer questions about courses, ` +
	`timetables, students and faculty using the knowledge-base tools available to you. ` +
	`Search the knowledge bases before answering factual questions, cite which source ` +
	`an answer came from, and say plainly when the data does not contain the answer.`

// DefaultStructuredKeywords trigger table-formatting guidance.
var DefaultStructuredKeywords = []string{
	"table", "tabular", "compare", "comparison", "timetable", "schedule",
	"syllabus", "list all", "csv", "marks", "credits",
}

const (
	restrictedGuidance = `The user is a student. Only use the knowledge bases listed below. ` +
		`If asked for faculty-only or staff-only information, refuse and explain that ` +
		`access is denied for their role; do not guess or reconstruct it.`
	multiSourceGuidance = `Several knowledge bases are available (%s). Consult every one ` +
		`of them that could hold relevant information before answering, and merge the results.`
	singleSourceGuidance = `Only the %s knowledge base is available for this request.`
	noSourceGuidance     = `No knowledge bases are available for this request. Answer from ` +
		`general knowledge only and say that institutional data could not be consulted.`
	structuredGuidance = `The user is asking for structured data. Present it as a Markdown ` +
		`table with a header row, one record per row, and no prose inside cells.`
)

// wantsStructured reports whether text contains any keyword, case-insensitively.
func wantsStructured(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// buildSystemPrompt composes the base prompt with role and scope amendments.
func buildSystemPrompt(base string, role access.Role, allowed []string, structured bool) string {
	sections := []string{strings.TrimSpace(base)}
	if role.Restricted() {
		sections = append(sections, restrictedGuidance)
	}
	switch len(allowed) {
	case 0:
		sections = append(sections, noSourceGuidance)
	case 1:
		sections = append(sections, fmt.Sprintf(singleSourceGuidance, allowed[0]))
	default:
		sections = append(sections, fmt.Sprintf(multiSourceGuidance, strings.Join(allowed, ", ")))
	}
	if structured {
		sections = append(sections, structuredGuidance)
	}
	return strings.Join(sections, "\n\n")
}

// agentFor picks the runtime agent for a turn. Ask mode always uses the ask
// agent, ignoring any override.
func agentFor(req ChatRequest, defaultAgent, askAgent string) string {
	if strings.EqualFold(strings.TrimSpace(req.Mode), "ask") {
		return askAgent
	}
	if override := strings.TrimSpace(req.AgentOverride); override != "" {
		return override
	}
	return defaultAgent
}
