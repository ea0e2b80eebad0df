package access

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/campusgate/internal/backend"
)

// ProviderOfTool infers the provider owning toolID. A declared provider wins;
// otherwise the longest known name that prefixes the id as "<name>_" is used.
// An empty result means the owner is unknown.
func ProviderOfTool(toolID, declared string, known []string) string {
	if declared != "" {
		return declared
	}
	best := ""
	for _, name := range known {
		if name == "" {
			continue
		}
		if strings.HasPrefix(toolID, name+"_") && len(name) > len(best) {
			best = name
		}
	}
	return best
}

// FilterTools drops tools owned by providers outside allowed. Elevated roles
// see everything; tools with no identifiable owner are kept.
func FilterTools(role Role, tools []backend.Tool, allowed, known []string) []backend.Tool {
	if role.Elevated() {
		return tools
	}
	out := make([]backend.Tool, 0, len(tools))
	for _, tool := range tools {
		owner := ProviderOfTool(tool.ID, tool.Provider, known)
		if owner == "" || contains(allowed, owner) {
			out = append(out, tool)
		}
	}
	return out
}

// FilterToolIDs is FilterTools for bare tool ids.
func FilterToolIDs(role Role, ids []string, allowed, known []string) []string {
	if role.Elevated() {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		owner := ProviderOfTool(id, "", known)
		if owner == "" || contains(allowed, owner) {
			out = append(out, id)
		}
	}
	return out
}

// ToolExposure builds the tool policy sent with a turn. Elevated roles get
// the stored policy unchanged. Other roles get the stored policy (when it is
// a JSON object) with every known provider outside allowed switched off as
// "<name>_*": false. Nothing the stored policy disables is re-enabled.
func ToolExposure(role Role, stored json.RawMessage, allowed, known []string) (json.RawMessage, error) {
	if role.Elevated() {
		return stored, nil
	}

	policy := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(stored)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &policy); err != nil {
			return nil, fmt.Errorf("decode tool policy: %w", err)
		}
	}
	for _, name := range normalize(known) {
		if contains(allowed, name) {
			continue
		}
		policy[name+"_*"] = json.RawMessage("false")
	}
	if len(policy) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("encode tool policy: %w", err)
	}
	return out, nil
}
