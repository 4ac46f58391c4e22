package orchestrator

import "tabrelay/internal/domain"

const (
	artifactPreviewLen = 120
	promptPreviewLen   = 180
	summaryPreviewLen  = 300
	shortLabelLen      = 60
)

// Artifact mutates the central artifact of a run. Callers hold the run lock.
type Artifact struct{}

// Append joins text to the artifact with a blank line, or sets it when the
// artifact is empty.
func (Artifact) Append(run *domain.ScenarioRun, text string) {
	if run.CentralArtifact == "" {
		run.CentralArtifact = text
		return
	}
	run.CentralArtifact += "\n\n" + text
}

// OverwriteSection replaces the whole artifact. Sections are not addressed
// individually yet.
func (Artifact) OverwriteSection(run *domain.ScenarioRun, _ string, text string) {
	run.CentralArtifact = text
}

// Apply runs the mutation selected by mode.
func (a Artifact) Apply(run *domain.ScenarioRun, stage *domain.ArtifactStage, text string) {
	if stage.Mode == domain.ArtifactModeOverwriteSection {
		a.OverwriteSection(run, stage.ID, text)
		return
	}
	a.Append(run, text)
}

// preview cuts s to at most n runes.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
