package agent

import (
	"strings"
)

// Plan is the planner's output split by audience.
type Plan struct {
	Frontend string
	Backend  string
}

type section int

const (
	sectionNone section = iota
	sectionFrontend
	sectionBackend
)

// ParsePlan splits free-form plan text into its frontend and backend
// sections. Text outside both sections is shared by both. A plan without
// recognizable sections is given whole to both.
func ParsePlan(text string) Plan {
	var shared, front, back []string
	current := sectionNone
	found := false

	for _, line := range strings.Split(text, "\n") {
		if s, ok := heading(line); ok {
			current = s
			found = true
			continue
		}
		switch current {
		case sectionFrontend:
			front = append(front, line)
		case sectionBackend:
			back = append(back, line)
		default:
			shared = append(shared, line)
		}
	}

	whole := strings.TrimSpace(text)
	if !found {
		return Plan{Frontend: whole, Backend: whole}
	}

	join := func(parts []string) string {
		body := strings.TrimSpace(strings.Join(parts, "\n"))
		pre := strings.TrimSpace(strings.Join(shared, "\n"))
		switch {
		case body == "":
			return whole
		case pre == "":
			return body
		}
		return pre + "\n\n" + body
	}

	return Plan{Frontend: join(front), Backend: join(back)}
}

// heading recognizes section titles such as "## Backend", "**Frontend
// Section**" or "Backend plan:".
func heading(line string) (section, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 60 {
		return sectionNone, false
	}

	marked := strings.HasPrefix(trimmed, "#") ||
		(strings.HasPrefix(trimmed, "**") && strings.HasSuffix(strings.TrimSuffix(trimmed, ":"), "**")) ||
		strings.HasSuffix(trimmed, ":")
	if !marked {
		return sectionNone, false
	}

	title := strings.ToLower(strings.Trim(trimmed, "#*_: \t0123456789."))
	switch {
	case strings.HasPrefix(title, "frontend") || strings.HasPrefix(title, "front-end"):
		return sectionFrontend, true
	case strings.HasPrefix(title, "backend") || strings.HasPrefix(title, "back-end"):
		return sectionBackend, true
	}
	return sectionNone, false
}
