package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	infraschema "github.com/procdef/procdef/core/infra/schema"
)

// DeployPolicy controls continuity checks applied at redeploy/update time
// and the set of archive files readable without a permission check.
type DeployPolicy struct {
	AllowCommentCollisions bool     `yaml:"allow_comment_collisions"`
	AllowEmptyComments     bool     `yaml:"allow_empty_comments"`
	UnsecuredFiles         []string `yaml:"unsecured_files,omitempty"`
}

// DefaultDeployPolicy enforces both continuity checks.
func DefaultDeployPolicy() *DeployPolicy {
	return &DeployPolicy{}
}

// ParseDeployPolicy parses policy data from YAML bytes.
func ParseDeployPolicy(data []byte) (*DeployPolicy, error) {
	if len(data) == 0 {
		return DefaultDeployPolicy(), nil
	}
	if err := validateConfigSchema("deploy policy", policySchemaFile, data); err != nil {
		return nil, err
	}
	var policy DeployPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse deploy policy: %w", err)
	}
	return &policy, nil
}

// LoadDeployPolicy reads the policy file at path. A missing file yields the
// default policy.
func LoadDeployPolicy(path string) (*DeployPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDeployPolicy(), nil
		}
		return nil, fmt.Errorf("read deploy policy: %w", err)
	}
	return ParseDeployPolicy(data)
}

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	schemaID := strings.ReplaceAll(name, " ", "-")
	if err := infraschema.Validate(schemaID, schemaBytes, payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
