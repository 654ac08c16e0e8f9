// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// ValidateWithSchema checks a YAML or TOML file against the embedded JSON
// schema. Unlike Load it reports every problem at once and rejects unknown
// keys, which catches misspelled sections that Load would silently ignore.
func ValidateWithSchema(configPath string) error {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	configObj, err := decodeGeneric(configPath, configData)
	if err != nil {
		return err
	}

	configJSON, err := json.Marshal(configObj)
	if err != nil {
		return fmt.Errorf("failed to convert config to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(configJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}

	return nil
}

func decodeGeneric(path string, data []byte) (interface{}, error) {
	if isTOML(path) {
		var obj map[string]interface{}
		if err := toml.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		return obj, nil
	}

	var obj interface{}
	if err := yaml.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return obj, nil
}

// formatValidationErrors lists every schema violation, one per line, by
// dotted field path
func formatValidationErrors(results []gojsonschema.ResultError) error {
	if len(results) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "configuration has %d schema error(s):", len(results))
	for _, re := range results {
		fmt.Fprintf(&b, "\n  - %s: %s", re.Field(), re.Description())
	}
	return errors.New(b.String())
}

// GetSchemaJSON returns the embedded JSON schema as a string.
func GetSchemaJSON() string {
	return string(schemaJSON)
}
