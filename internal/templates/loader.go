package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mplp/coordinator/pkg/schema"
)

const templateSchemaURL = "https://mplp.dev/schemas/workflow-template.json"

// templateSchemaJSON is the JSON Schema every template file must satisfy.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://mplp.dev/schemas/workflow-template.json",
  "type": "object",
  "required": ["name", "stages", "timeout_ms"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "stages": {
      "type": "array",
      "minItems": 1,
      "uniqueItems": true,
      "items": { "$ref": "#/$defs/stage" }
    },
    "parallel_execution": { "type": "boolean" },
    "timeout_ms": { "type": "integer", "minimum": 1 },
    "retry_policy": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "delay_ms": { "type": "integer", "minimum": 0 },
        "backoff_multiplier": { "type": "number", "minimum": 0 },
        "max_delay_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "continue_on_error": { "type": "boolean" },
        "rollback_on_failure": { "type": "boolean" },
        "notification_enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "conditions": {
      "type": "object",
      "propertyNames": { "$ref": "#/$defs/stage" },
      "additionalProperties": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "string",
      "enum": ["context", "plan", "confirm", "trace", "role", "extension", "collab", "dialog", "network"]
    }
  }
}`

// Loader parses template files (YAML or JSON) and validates them against the
// template JSON Schema and the workflow configuration rules.
type Loader struct {
	schema   *jsonschema.Schema
	compiler ConditionCompiler
}

// NewLoader compiles the embedded template schema.
func NewLoader(compiler ConditionCompiler) (*Loader, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse template schema: %w", err)
	}
	if err := c.AddResource(templateSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add template schema: %w", err)
	}
	sch, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &Loader{schema: sch, compiler: compiler}, nil
}

// Parse decodes and validates a single template payload.
func (l *Loader) Parse(data []byte) (*schema.WorkflowConfiguration, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "template payload is empty")
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode template: %s", err.Error()).WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number for the schema validator.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "encode template: %s", err.Error()).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode template: %s", err.Error()).WithCause(err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, toConfigurationError(err)
	}

	var cfg schema.WorkflowConfiguration
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode template: %s", err.Error()).WithCause(err)
	}

	if err := ValidateWorkflowConfiguration(&cfg, l.compiler).ToError(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a template file.
func (l *Loader) LoadFile(path string) (*schema.WorkflowConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDir registers every *.yaml, *.yml and *.json template found directly in dir.
// A missing directory registers nothing. Returns the names registered, sorted.
func (l *Loader) LoadDir(dir string, into *Registry) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		cfg, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return names, err
		}
		into.Register(cfg.Name, cfg)
		into.logger.Info("workflow template loaded",
			zap.String("template", cfg.Name),
			zap.String("file", entry.Name()),
		)
		names = append(names, cfg.Name)
	}
	sort.Strings(names)
	return names, nil
}

// toConfigurationError flattens a schema validation error into one
// CoordinationError listing every violation.
func toConfigurationError(err error) *schema.CoordinationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	msg := verr.Error()
	if len(violations) == 1 {
		msg = violations[0]
	} else if len(violations) > 1 {
		msg = fmt.Sprintf("template invalid with %d violations", len(violations))
	}
	return schema.NewError(schema.ErrCodeConfiguration, msg).
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
