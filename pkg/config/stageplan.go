package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strataos/keel/pkg/guardian"
)

// stagePlanSchema is the shape budget-check accepts from operators. Schema
// validation catches malformed plans before they reach the guardian.
const stagePlanSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["stage_id", "tasks"],
  "properties": {
    "stage_id": {"type": "string", "minLength": 1},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["task_id"],
        "properties": {
          "task_id": {"type": "string", "minLength": 1},
          "budget_sensitive": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledStagePlanSchema = jsonschema.MustCompileString("stageplan.json", stagePlanSchema)

// LoadStagePlan reads and validates a stage plan file.
func LoadStagePlan(path string) (guardian.StagePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return guardian.StagePlan{}, fmt.Errorf("config: read stage plan: %w", err)
	}
	return ParseStagePlan(data)
}

// ParseStagePlan validates raw JSON against the stage plan schema and
// decodes it.
func ParseStagePlan(data []byte) (guardian.StagePlan, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return guardian.StagePlan{}, fmt.Errorf("config: parse stage plan: %w", err)
	}
	if err := compiledStagePlanSchema.Validate(doc); err != nil {
		return guardian.StagePlan{}, fmt.Errorf("config: invalid stage plan: %w", err)
	}
	var plan guardian.StagePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return guardian.StagePlan{}, fmt.Errorf("config: decode stage plan: %w", err)
	}
	return plan, nil
}

// DecodeMasterSeed parses the hex master seed, requiring 32 bytes.
func DecodeMasterSeed(hexSeed string) ([]byte, error) {
	hexSeed = strings.TrimSpace(hexSeed)
	if hexSeed == "" {
		return nil, fmt.Errorf("config: master seed is not set")
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("config: decode master seed: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("config: master seed must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}
