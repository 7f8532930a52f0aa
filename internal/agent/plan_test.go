package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantFrontend string
		wantBackend  string
	}{
		{
			name:         "markdown headings",
			text:         "## Frontend\nShow the time.\n\n## Backend\nGET /time",
			wantFrontend: "Show the time.",
			wantBackend:  "GET /time",
		},
		{
			name:         "bold headings with shared intro",
			text:         "Goal: an IST clock.\n\n**Backend Section:**\nFastAPI GET /time\n\n**Frontend Section:**\nA fetch on load",
			wantFrontend: "Goal: an IST clock.\n\nA fetch on load",
			wantBackend:  "Goal: an IST clock.\n\nFastAPI GET /time",
		},
		{
			name:         "numbered colon headings",
			text:         "1. Frontend:\nbutton\n2. Backend:\nroute",
			wantFrontend: "button",
			wantBackend:  "route",
		},
		{
			name:         "no sections",
			text:         "Build a clock.",
			wantFrontend: "Build a clock.",
			wantBackend:  "Build a clock.",
		},
		{
			name:         "empty section falls back to whole plan",
			text:         "## Frontend\n## Backend\nGET /time",
			wantFrontend: "## Frontend\n## Backend\nGET /time",
			wantBackend:  "GET /time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePlan(tt.text)
			assert.Equal(t, tt.wantFrontend, p.Frontend)
			assert.Equal(t, tt.wantBackend, p.Backend)
		})
	}
}

func TestHeadingIgnoresProse(t *testing.T) {
	_, ok := heading("The backend exposes one endpoint that the frontend calls every second")
	assert.False(t, ok)

	_, ok = heading("Backend uses FastAPI")
	assert.False(t, ok)

	s, ok := heading("### Back-end")
	assert.True(t, ok)
	assert.Equal(t, sectionBackend, s)
}
