package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`{{\s*([^}]+?)\s*}}`)

// Vars is the variable context visible to prompt and artifact templates.
type Vars struct {
	Round           int
	CentralArtifact string
	LastReplies     map[string]string
}

// Render substitutes {{round}}, {{centralArtifact}} and
// {{lastReplies.<Role>}}. Unknown paths render as "".
func Render(tmpl string, vars Vars) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return ""
		}
		value, _ := vars.lookup(strings.TrimSpace(sub[1]))
		return value
	})
}

func (v Vars) lookup(path string) (string, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "round":
		if len(parts) != 1 {
			return "", false
		}
		return strconv.Itoa(v.Round), true
	case "centralArtifact":
		if len(parts) != 1 {
			return "", false
		}
		return v.CentralArtifact, true
	case "lastReplies":
		if len(parts) != 2 {
			return "", false
		}
		reply, ok := v.LastReplies[parts[1]]
		return reply, ok
	}
	return "", false
}
