package draftsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// policyFileSchema validates the retention-policy file format before any
// value reaches the cleaner. Durations are milliseconds, matching the shape
// the surrounding application has always persisted.
const policyFileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"minProperties": 1,
	"additionalProperties": {
		"type": "object",
		"properties": {
			"maxAgeMs": {"type": "integer", "minimum": 0},
			"maxCount": {"type": "integer", "minimum": 0},
			"maxSizeBytes": {"type": "integer", "minimum": 0},
			"evictionPriority": {
				"type": "string",
				"enum": ["oldest-first", "largest-first", "least-recently-used"]
			}
		},
		"additionalProperties": false
	}
}`

type policyFileEntry struct {
	MaxAgeMs         int64  `json:"maxAgeMs"`
	MaxCount         int    `json:"maxCount"`
	MaxSizeBytes     int64  `json:"maxSizeBytes"`
	EvictionPriority string `json:"evictionPriority"`
}

// LoadPoliciesFromFile reads, validates, and decodes a retention-policy file
// keyed by category.
func LoadPoliciesFromFile(path string) (map[string]CleanupPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicies(data)
}

// ParsePolicies validates raw policy JSON against the schema and converts it
// into cleaner policies.
func ParsePolicies(data []byte) (map[string]CleanupPolicy, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(policyFileSchema))
	if err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policies.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}
	schema, err := compiler.Compile("policies.schema.json")
	if err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: policy file is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: policy file rejected: %v", ErrInvalidInput, err)
	}

	var raw map[string]policyFileEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	policies := make(map[string]CleanupPolicy, len(raw))
	for category, entry := range raw {
		priority := EvictionPriority(entry.EvictionPriority)
		if priority == "" {
			priority = EvictOldestFirst
		}
		policies[category] = CleanupPolicy{
			MaxAge:       time.Duration(entry.MaxAgeMs) * time.Millisecond,
			MaxCount:     entry.MaxCount,
			MaxSizeBytes: entry.MaxSizeBytes,
			Priority:     priority,
		}
	}
	return policies, nil
}
