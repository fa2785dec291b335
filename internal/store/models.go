package store

import "time"

// InstallRun records one installation attempt
type InstallRun struct {
	ID           string // uuid
	ArtifactKey  string // stable key for the configured artifact (target dir + source)
	Source       string // kind:location
	StartTime    time.Time
	EndTime      time.Time
	State        string // last state reached: "discovering", "downloading", "installed", "failed", ...
	Reason       string // failure reason, empty on success
	ArtifactName string // resolved file name, may come from discovery
	Path         string
	Bytes        int64
	Attempts     int
	Resumed      bool
	SHA256       string
	ErrorMessage string
}

// Finished reports whether the run reached a terminal state.
func (r *InstallRun) Finished() bool {
	return !r.EndTime.IsZero()
}

// InstalledArtifact is the last verified artifact for a key
type InstalledArtifact struct {
	ArtifactKey string
	Name        string
	Path        string
	Size        int64
	SHA256      string
	RunID       string
	InstalledAt time.Time
}
