package definition

import (
	"time"

	"github.com/procdef/procdef/core/security"
)

// Deployment is one persisted version of a process definition archive.
// Immutable once created except for category metadata and the in-place
// update path, which replaces content without bumping the version.
type Deployment struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Version    int64      `json:"version"`
	Categories []string   `json:"categories,omitempty"`
	Content    []byte     `json:"content"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Secured returns the permission object for this deployment. Grants are
// keyed by definition name and span all versions.
func (d *Deployment) Secured() security.SecuredObject {
	return security.DefinitionObject(d.Name)
}

// VersionInfo is one change-log record embedded in an archive manifest.
type VersionInfo struct {
	Date    time.Time `json:"date"`
	Author  string    `json:"author"`
	Comment string    `json:"comment"`
}

// key identifies a manifest entry for continuity comparison.
func (v VersionInfo) key() string {
	return v.Date.UTC().Format(time.RFC3339) + "\x00" + v.Author + "\x00" + v.Comment
}

// Change attributes one manifest entry to the version that introduced it.
type Change struct {
	Version int64     `json:"version"`
	Date    time.Time `json:"date"`
	Author  string    `json:"author"`
	Comment string    `json:"comment"`
}

// Swimlane is a role lane declared by the definition.
type Swimlane struct {
	Name     string `json:"name"`
	Assignee string `json:"assignee,omitempty"`
}

// Variable is a process variable declaration.
type Variable struct {
	Name    string `json:"name"`
	Format  string `json:"format,omitempty"`
	Default any    `json:"default,omitempty"`
}

// ParsedDefinition is the structured form extracted from an archive blob.
type ParsedDefinition struct {
	Name           string
	StartNode      string
	Swimlanes      []Swimlane
	Variables      []Variable
	Files          map[string][]byte
	GraphImage     []byte
	VersionHistory []VersionInfo
}

// DefinitionView is the externally visible projection of a deployment.
// StartNode is filled only when the archive parsed cleanly.
type DefinitionView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      int64     `json:"version"`
	Categories   []string  `json:"categories,omitempty"`
	StartNode    string    `json:"start_node,omitempty"`
	CanBeStarted bool      `json:"can_be_started"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
}

// Presentation carries the sort, filter and paging parameters supplied by
// callers of the listing operations.
type Presentation struct {
	SortField  string `json:"sort_field,omitempty"` // name, version, created_at
	Descending bool   `json:"descending,omitempty"`
	NameFilter string `json:"name_filter,omitempty"` // substring match
	Category   string `json:"category,omitempty"`
	Page       int    `json:"page,omitempty"`      // zero-based
	PageSize   int    `json:"page_size,omitempty"` // <= 0 disables paging
}

// RedeployRequest distinguishes a pure category-metadata update from a full
// archive redeploy.
type RedeployRequest struct {
	archive       []byte
	categories    []string
	hasArchive    bool
	hasCategories bool
}

// CategoriesOnly builds a metadata-only redeploy request.
func CategoriesOnly(categories []string) RedeployRequest {
	return RedeployRequest{categories: categories, hasCategories: true}
}

// FullArchive builds a redeploy request carrying a new archive. Pass nil
// categories to keep the target's existing ones.
func FullArchive(archive []byte, categories []string) RedeployRequest {
	return RedeployRequest{
		archive:       archive,
		categories:    categories,
		hasArchive:    true,
		hasCategories: categories != nil,
	}
}

// Archive returns the new archive bytes when present.
func (r RedeployRequest) Archive() ([]byte, bool) {
	return r.archive, r.hasArchive
}

// Categories returns the replacement categories when present.
func (r RedeployRequest) Categories() ([]string, bool) {
	return r.categories, r.hasCategories
}
