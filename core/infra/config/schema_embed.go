package config

import "embed"

const policySchemaFile = "schema/deploy_policy.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
