package install

import (
	"github.com/BadgerOps/modelinstall/internal/progress"
)

// State is a step of the installation state machine.
type State string

const (
	StateNotInstalled State = "not_installed"
	StateDiscovering  State = "discovering"
	StateConnecting   State = "connecting"
	StateDownloading  State = "downloading"
	StateVerifying    State = "verifying"
	StateInstalled    State = "installed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateInstalled || s == StateFailed
}

// Reason explains a Failed outcome.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNotFound  Reason = "not-found"
	ReasonAmbiguous Reason = "ambiguous"
	ReasonDiscovery Reason = "discovery-error"
	ReasonTransfer  Reason = "transfer-error"
	ReasonIntegrity Reason = "integrity-error"
	ReasonConfig    Reason = "config-error"
	ReasonCancelled Reason = "cancelled"
	ReasonBusy      Reason = "busy"
)

// Outcome is the single terminal result of a run. It carries the resolved
// artifact identity, which may differ from any configured default when the
// name came from discovery.
type Outcome struct {
	RunID        string
	State        State
	Reason       Reason
	Phase        State // state the run was in when it failed
	Path         string
	ArtifactName string
	Size         int64
	SHA256       string
	Attempts     int
	Resumed      bool
	// AlreadyInstalled is set when the run short-circuited on an existing file.
	AlreadyInstalled bool
	Err              error
}

// OK reports whether the artifact is installed.
func (o Outcome) OK() bool {
	return o.State == StateInstalled
}

// Status is a progress update labelled with the state it belongs to.
type Status struct {
	State State `json:"state"`
	progress.Update
}

// Observer receives progress and the terminal outcome of a run. Progress is
// called from a single goroutine; Finished is called exactly once, after the
// last Progress call.
type Observer interface {
	Progress(Status)
	Finished(Outcome)
}

// ObserverFuncs adapts a pair of functions to Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	OnProgress func(Status)
	OnFinished func(Outcome)
}

func (f ObserverFuncs) Progress(s Status) {
	if f.OnProgress != nil {
		f.OnProgress(s)
	}
}

func (f ObserverFuncs) Finished(o Outcome) {
	if f.OnFinished != nil {
		f.OnFinished(o)
	}
}
