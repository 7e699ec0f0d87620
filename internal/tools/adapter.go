package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// toolNamePattern is what the agent side accepts as a tool identifier.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// AdaptedTool is an upstream tool descriptor converted for the agent side.
type AdaptedTool struct {
	// Name is the agent-facing name, prefixed with the integration.
	Name string

	// SourceName is the upstream tool name used when invoking.
	SourceName string

	// Integration is the integration the tool came from.
	Integration string

	// Description is the upstream description, possibly truncated.
	Description string

	// InputSchema is the (repaired) JSON schema for the tool's arguments.
	InputSchema map[string]interface{}
}

// ConversionFailure records one upstream tool that could not be adapted.
type ConversionFailure struct {
	Tool   string
	Reason string
}

func (f ConversionFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Tool, f.Reason)
}

// maxDescriptionLen bounds tool descriptions; some servers ship multi-page
// descriptions that blow up agent prompts.
const maxDescriptionLen = 1024

// Adapter converts upstream MCP tool descriptors into agent-facing tool
// definitions for one integration. Individual malformed descriptors are
// skipped and recorded; only a listing that yields zero usable tools is an
// error.
type Adapter struct {
	integration string
}

// NewAdapter creates an adapter for one integration.
func NewAdapter(integration string) *Adapter {
	return &Adapter{integration: integration}
}

// Adapt converts the upstream descriptors. Tools that fail conversion are
// skipped and returned as failures; if nothing converts, Adapt returns an
// error naming the first few failures so the log points at the cause.
func (a *Adapter) Adapt(upstream []mcp.Tool) ([]AdaptedTool, []ConversionFailure, error) {
	var adapted []AdaptedTool
	var failures []ConversionFailure

	for _, tool := range upstream {
		at, err := a.adaptOne(tool)
		if err != nil {
			failures = append(failures, ConversionFailure{Tool: tool.Name, Reason: err.Error()})
			logging.Warn("ToolAdapter", "Skipping tool %q from %s: %v", tool.Name, a.integration, err)
			continue
		}
		adapted = append(adapted, at)
	}

	if len(adapted) == 0 && len(upstream) > 0 {
		return nil, failures, fmt.Errorf("no tools from %s could be adapted: %s",
			a.integration, summarizeFailures(failures))
	}

	return adapted, failures, nil
}

func (a *Adapter) adaptOne(tool mcp.Tool) (AdaptedTool, error) {
	if tool.Name == "" {
		return AdaptedTool{}, fmt.Errorf("tool has no name")
	}
	if !toolNamePattern.MatchString(tool.Name) {
		return AdaptedTool{}, fmt.Errorf("tool name %q contains unsupported characters", tool.Name)
	}

	name := a.integration + "_" + tool.Name
	if !toolNamePattern.MatchString(name) {
		return AdaptedTool{}, fmt.Errorf("prefixed name %q exceeds the identifier limits", name)
	}

	schema, err := schemaToMap(tool)
	if err != nil {
		return AdaptedTool{}, fmt.Errorf("input schema is not valid JSON: %w", err)
	}

	description := truncateDescription(tool.Description)

	return AdaptedTool{
		Name:        name,
		SourceName:  tool.Name,
		Integration: a.integration,
		Description: description,
		InputSchema: NormalizeSchema(schema),
	}, nil
}

// SourceNameFor strips the integration prefix from an agent-facing name.
// Returns "" when the name does not belong to this integration.
func (a *Adapter) SourceNameFor(name string) string {
	prefix := a.integration + "_"
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}

// truncateDescription caps a description at maxDescriptionLen bytes, backing
// up to a rune boundary so a multi-byte character is never split.
func truncateDescription(description string) string {
	if len(description) <= maxDescriptionLen {
		return description
	}
	cut := maxDescriptionLen - 3
	for cut > 0 && !utf8.RuneStart(description[cut]) {
		cut--
	}
	return description[:cut] + "..."
}

func schemaToMap(tool mcp.Tool) (map[string]interface{}, error) {
	raw := []byte(tool.RawInputSchema)
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, err
		}
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// NormalizeSchema repairs common schema defects: a missing or wrong top-level
// type, a missing properties map, and required entries that name absent
// properties. Repair never fails the tool: when the schema resists repair
// it is returned as-is and the upstream server's own validation has the
// final word.
func NormalizeSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}

	repaired, ok := repairSchema(schema)
	if !ok {
		logging.Debug("ToolAdapter", "Schema resisted normalization, using original")
		return schema
	}
	return repaired
}

func repairSchema(schema map[string]interface{}) (map[string]interface{}, bool) {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	if t, ok := out["type"].(string); !ok || t != "object" {
		if _, hasProps := out["properties"]; !hasProps && out["type"] != nil {
			// A concrete non-object schema (e.g. a bare string argument)
			// cannot be coerced without inventing structure.
			return nil, false
		}
		out["type"] = "object"
	}

	props, ok := out["properties"].(map[string]interface{})
	if !ok {
		if out["properties"] != nil {
			return nil, false
		}
		props = map[string]interface{}{}
		out["properties"] = props
	}

	// Drop required entries that reference properties the schema does not
	// define; several servers emit these and strict agents reject them.
	if rawReq, exists := out["required"]; exists {
		req, ok := rawReq.([]interface{})
		if !ok {
			return nil, false
		}
		var kept []interface{}
		for _, r := range req {
			name, ok := r.(string)
			if !ok {
				return nil, false
			}
			if _, defined := props[name]; defined {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			out["required"] = kept
		} else {
			delete(out, "required")
		}
	}

	return out, true
}

func summarizeFailures(failures []ConversionFailure) string {
	const maxListed = 5

	parts := make([]string, 0, maxListed)
	for i, f := range failures {
		if i == maxListed {
			parts = append(parts, fmt.Sprintf("and %d more", len(failures)-maxListed))
			break
		}
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}
