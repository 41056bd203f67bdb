package bus

import "time"

// Lifecycle event types published on the bus.
const (
	EventDeployed   = "deployed"
	EventRedeployed = "redeployed"
	EventUpdated    = "updated"
	EventUndeployed = "undeployed"
)

const subjectPrefix = "definition."

// Event describes a definition lifecycle transition.
type Event struct {
	Type         string    `json:"type"`
	Definition   string    `json:"definition"`
	Version      int64     `json:"version,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher fans lifecycle events out to interested consumers.
type Publisher interface {
	Publish(event Event) error
}

// Noop implements Publisher without delivering anything.
type Noop struct{}

func (Noop) Publish(Event) error { return nil }

// Subject maps an event type to its NATS subject.
func Subject(eventType string) string {
	if eventType == "" {
		return ""
	}
	return subjectPrefix + eventType
}

// SubjectAll matches every lifecycle subject.
func SubjectAll() string {
	return subjectPrefix + ">"
}
