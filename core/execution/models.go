package execution

import "time"

// InstanceStatus captures the lifecycle of a process instance.
type InstanceStatus string

const (
	InstanceStatusActive InstanceStatus = "active"
	InstanceStatusEnded  InstanceStatus = "ended"
)

// ProcessInstance is one execution of a deployed definition version.
type ProcessInstance struct {
	ID                string         `json:"id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion int64          `json:"definition_version"`
	DeploymentID      string         `json:"deployment_id"`
	ParentID          string         `json:"parent_id,omitempty"` // set when started as a subprocess
	Status            InstanceStatus `json:"status"`
	StartedBy         string         `json:"started_by,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
}

// AuditEntry records an administrative action against an instance.
type AuditEntry struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ActionUpgradeVersion marks an in-place definition upgrade applied to a
// running instance.
const ActionUpgradeVersion = "definition.version.upgrade"
