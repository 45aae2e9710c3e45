package record

import (
	"path/filepath"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
)

// Default directory names inside a bundle.
const (
	DefaultProfilesDir  = "profiles"
	DefaultRunsDir      = "runs"
	DefaultDownloadsDir = "downloads"

	metadataFile = "metadata.json"
	idMappingDir = "id-mapping"
	sessionsDir  = "sessions"
)

// Layout resolves the on-disk paths of a bundle's profiles and runs.
type Layout struct {
	Root         string
	ProfilesDir  string
	RunsDir      string
	DownloadsDir string
}

// NewLayout returns a Layout rooted at root with default directory names.
func NewLayout(root string) Layout {
	return Layout{
		Root:         root,
		ProfilesDir:  DefaultProfilesDir,
		RunsDir:      DefaultRunsDir,
		DownloadsDir: DefaultDownloadsDir,
	}
}

// Profiles returns the profiles directory.
func (l Layout) Profiles() string {
	return filepath.Join(l.Root, l.ProfilesDir)
}

// Runs returns the directory holding every run.
func (l Layout) Runs() string {
	return filepath.Join(l.Root, l.RunsDir)
}

// Downloads returns the directory aggregate exports are written to.
func (l Layout) Downloads() string {
	return filepath.Join(l.Root, l.DownloadsDir)
}

// Run returns the directory of one run.
func (l Layout) Run(runID string) string {
	return filepath.Join(l.Runs(), runID)
}

// Metadata returns the path of a run's metadata side-car.
func (l Layout) Metadata(runID string) string {
	return filepath.Join(l.Run(runID), metadataFile)
}

// ConditionDir returns the result directory for one condition of a run.
func (l Layout) ConditionDir(runID, condition string) string {
	return filepath.Join(l.Run(runID), condition)
}

// Result returns the result file path for a profile ending in state st.
func (l Layout) Result(runID string, p profile.Profile, st core.State) string {
	return filepath.Join(l.ConditionDir(runID, p.Condition), p.SubjectID+st.ResultSuffix())
}

// IDMappingDir returns the directory of a run's PII side files.
func (l Layout) IDMappingDir(runID string) string {
	return filepath.Join(l.Run(runID), idMappingDir)
}

// IDMapping returns the PII side file for one session.
func (l Layout) IDMapping(runID, sessionID string) string {
	return filepath.Join(l.IDMappingDir(runID), sessionID)
}

// Session returns the directory of a session's per-task response files.
func (l Layout) Session(runID, sessionID string) string {
	return filepath.Join(l.Run(runID), sessionsDir, sessionID)
}

// isReserved reports whether a name inside a run directory is not a
// condition directory.
func isReserved(name string) bool {
	return name == idMappingDir || name == sessionsDir || name == metadataFile
}
