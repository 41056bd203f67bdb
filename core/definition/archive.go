package definition

import (
	"archive/zip"
	"bytes"
	"embed"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	infraschema "github.com/procdef/procdef/core/infra/schema"
)

// Well-known archive entries.
const (
	FileDefinition = "definition.json"
	FileVariables  = "variables.json"
	FileComments   = "comments.xml"
	FileGraphImage = "graph.png"

	// ArchiveFileName requests the raw archive blob through GetFile.
	ArchiveFileName = "archive"

	botConfigSuffix = "botconfig.json"
)

// defaultUnsecuredFiles bypass the read-permission check in GetFile.
var defaultUnsecuredFiles = []string{FileGraphImage, "index.html", "start.html", "description.txt"}

//go:embed schema/definition.schema.json
var definitionSchemaFS embed.FS

const definitionSchemaFile = "schema/definition.schema.json"

type definitionDescriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	StartNode   string     `json:"start_node"`
	Swimlanes   []Swimlane `json:"swimlanes,omitempty"`
}

// Parse extracts a structured process definition from an uploaded archive
// blob. Failures are reported as *ArchiveFormatError.
func Parse(content []byte) (*ParsedDefinition, error) {
	files, err := readArchive(content)
	if err != nil {
		return nil, &ArchiveFormatError{Err: err}
	}
	descriptorData, ok := files[FileDefinition]
	if !ok {
		return nil, &ArchiveFormatError{Err: fmt.Errorf("missing %s", FileDefinition)}
	}
	schemaBytes, err := definitionSchemaFS.ReadFile(definitionSchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load definition schema: %w", err)
	}
	if err := infraschema.ValidateJSON("definition", schemaBytes, descriptorData); err != nil {
		return nil, &ArchiveFormatError{Err: err}
	}
	var descriptor definitionDescriptor
	if err := json.Unmarshal(descriptorData, &descriptor); err != nil {
		return nil, &ArchiveFormatError{Err: fmt.Errorf("parse %s: %w", FileDefinition, err)}
	}

	parsed := &ParsedDefinition{
		Name:       descriptor.Name,
		StartNode:  descriptor.StartNode,
		Swimlanes:  descriptor.Swimlanes,
		Files:      files,
		GraphImage: files[FileGraphImage],
	}
	if data, ok := files[FileVariables]; ok {
		if err := json.Unmarshal(data, &parsed.Variables); err != nil {
			return nil, &ArchiveFormatError{Err: fmt.Errorf("parse %s: %w", FileVariables, err)}
		}
	}
	if data, ok := files[FileComments]; ok {
		history, err := parseVersionHistory(data)
		if err != nil {
			return nil, &ArchiveFormatError{Err: err}
		}
		parsed.VersionHistory = history
	}
	return parsed, nil
}

func readArchive(content []byte) (map[string][]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	files := make(map[string][]byte, len(reader.File))
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		files[f.Name] = data
	}
	return files, nil
}

type versionManifest struct {
	Versions []versionElement `xml:"version"`
}

type versionElement struct {
	Date    string `xml:"date"`
	Author  string `xml:"author"`
	Comment string `xml:"comment"`
}

// parseVersionHistory decodes the cumulative change-log manifest. Entries
// keep their manifest order.
func parseVersionHistory(data []byte) ([]VersionInfo, error) {
	var manifest versionManifest
	if err := xml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileComments, err)
	}
	history := make([]VersionInfo, 0, len(manifest.Versions))
	for i, elem := range manifest.Versions {
		date, err := parseVersionDate(elem.Date)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", FileComments, i, err)
		}
		history = append(history, VersionInfo{
			Date:    date,
			Author:  strings.TrimSpace(elem.Author),
			Comment: strings.TrimSpace(elem.Comment),
		})
	}
	return history, nil
}

// Manifest dates are RFC 3339; the legacy day-first layout written by older
// editors is still accepted.
const legacyVersionDateLayout = "02.01.2006 15:04"

func parseVersionDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty version date")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(legacyVersionDateLayout, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized version date %q", raw)
}

// IsUnsecuredFile reports whether fileName may be read without a permission
// check. The extra list extends the built-in allow-list.
func IsUnsecuredFile(fileName string, extra []string) bool {
	if strings.HasSuffix(fileName, botConfigSuffix) {
		return true
	}
	for _, name := range defaultUnsecuredFiles {
		if fileName == name {
			return true
		}
	}
	for _, name := range extra {
		if fileName == name {
			return true
		}
	}
	return false
}
