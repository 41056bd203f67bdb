package definition

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for unknown deployment ids, names or versions.
var ErrNotFound = errors.New("not found")

// ErrCategoriesRequired is returned when a metadata-only redeploy carries no
// categories.
var ErrCategoriesRequired = errors.New("categories required for metadata-only redeploy")

// ArchiveFormatError reports an unparsable uploaded archive.
type ArchiveFormatError struct {
	Err error
}

func (e *ArchiveFormatError) Error() string {
	return fmt.Sprintf("invalid definition archive: %v", e.Err)
}

func (e *ArchiveFormatError) Unwrap() error { return e.Err }

// AlreadyExistsError reports a duplicate name on a fresh deploy.
type AlreadyExistsError struct {
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("definition %s already exists", e.Name)
}

// NameMismatchError reports a redeploy/update archive whose parsed name
// differs from the target's stored name.
type NameMismatchError struct {
	Expected string
	Actual   string
}

func (e *NameMismatchError) Error() string {
	return fmt.Sprintf("archive name %s does not match definition %s", e.Actual, e.Expected)
}

// Continuity violation kinds.
const (
	ContinuityMissingComments = "missing_comments"
	ContinuityNoNewComments   = "no_new_comments"
)

// ContinuityError reports a manifest continuity violation at redeploy/update
// time. Kind is one of the Continuity* constants.
type ContinuityError struct {
	Name string
	Kind string
}

func (e *ContinuityError) Error() string {
	switch e.Kind {
	case ContinuityNoNewComments:
		return fmt.Sprintf("definition %s: new version must add at least one version comment", e.Name)
	default:
		return fmt.Sprintf("definition %s: new version must contain all version comments of the previous version", e.Name)
	}
}

// ParentProcessExistsError reports an undeploy blocked by a running parent
// process that references one of the definition's instances as a subprocess.
type ParentProcessExistsError struct {
	Definition       string
	ParentDefinition string
}

func (e *ParentProcessExistsError) Error() string {
	return fmt.Sprintf("cannot remove definition %s: instance is a subprocess of running definition %s", e.Definition, e.ParentDefinition)
}
