package locate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/BadgerOps/modelinstall/internal/download"
)

// TieBreak decides what happens when more than one object matches.
type TieBreak string

const (
	// TieBreakStrict fails with ErrAmbiguous on multiple matches.
	TieBreakStrict TieBreak = "strict"
	// TieBreakFirst picks the first match in listing order.
	TieBreakFirst TieBreak = "first"
)

// Discovery error kinds.
const (
	KindNotFound  = "not-found"
	KindAmbiguous = "ambiguous"
	KindTransport = "transport"
)

var (
	ErrNotFound  = errors.New("no matching artifact")
	ErrAmbiguous = errors.New("more than one matching artifact")
)

// DiscoveryError is returned by Locate.
type DiscoveryError struct {
	Kind    string
	Folder  string
	Matches []string
	Err     error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("discovery %s in %q", e.Kind, e.Folder)
	if len(e.Matches) > 0 {
		msg += fmt.Sprintf(" (matches: %s)", strings.Join(e.Matches, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Object is one entry returned by a Lister.
type Object struct {
	Name  string // full object key, e.g. "llm/model.task"
	Size  int64  // -1 when the listing does not say
	IsDir bool
}

// Lister enumerates the direct children of a folder in a remote store and
// knows how to address a listed object for transfer.
type Lister interface {
	List(ctx context.Context, folder string) ([]Object, error)
	Source(obj Object) download.Source
}

// Artifact is the single object discovery resolved to.
type Artifact struct {
	Name   string // base name, used as the local file name
	Key    string // full object key
	Size   int64
	Source download.Source
}

// Locator resolves a folder reference to exactly one installable artifact.
type Locator struct {
	lister   Lister
	suffix   string
	tieBreak TieBreak
	logger   *slog.Logger
}

// New creates a Locator matching base names that end in suffix
// (case-insensitive).
func New(lister Lister, suffix string, tieBreak TieBreak, logger *slog.Logger) *Locator {
	if tieBreak == "" {
		tieBreak = TieBreakStrict
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{lister: lister, suffix: strings.ToLower(suffix), tieBreak: tieBreak, logger: logger}
}

// Locate lists folder and returns the one object whose name carries the
// suffix. Listing errors are not retried here.
func (l *Locator) Locate(ctx context.Context, folder string) (Artifact, error) {
	objects, err := l.lister.List(ctx, folder)
	if err != nil {
		return Artifact{}, &DiscoveryError{Kind: KindTransport, Folder: folder, Err: err}
	}

	var matches []Object
	for _, obj := range objects {
		if obj.IsDir {
			continue
		}
		if strings.HasSuffix(strings.ToLower(path.Base(obj.Name)), l.suffix) {
			matches = append(matches, obj)
		}
	}
	l.logger.Debug("listed folder", "folder", folder, "objects", len(objects), "matches", len(matches))

	switch {
	case len(matches) == 0:
		return Artifact{}, &DiscoveryError{Kind: KindNotFound, Folder: folder, Err: ErrNotFound}
	case len(matches) > 1 && l.tieBreak != TieBreakFirst:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return Artifact{}, &DiscoveryError{Kind: KindAmbiguous, Folder: folder, Matches: names, Err: ErrAmbiguous}
	case len(matches) > 1:
		l.logger.Warn("multiple artifacts matched, using first in listing order", "folder", folder, "chosen", matches[0].Name, "matches", len(matches))
	}

	m := matches[0]
	a := Artifact{Name: path.Base(m.Name), Key: m.Name, Size: m.Size, Source: l.lister.Source(m)}
	l.logger.Info("artifact located", "folder", folder, "name", a.Name, "size", a.Size)
	return a, nil
}

// folderPrefix normalizes a folder reference into a listing prefix with a
// single trailing slash. The root folder lists with an empty prefix.
func folderPrefix(folder string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}
