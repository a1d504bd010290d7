package toolexecutor

import "fmt"

// ToolPolicy defines which tools a session can use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny" mapstructure:"deny"`   // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// Validate rejects policies with blank entries.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}
	for _, name := range tp.Allow {
		if name == "" {
			return fmt.Errorf("allow list contains an empty tool name")
		}
	}
	for _, name := range tp.Deny {
		if name == "" {
			return fmt.Errorf("deny list contains an empty tool name")
		}
	}
	return nil
}

// Filter returns the tools permitted by the policy, keeping order.
func (tp *ToolPolicy) Filter(tools []string) []string {
	if tp == nil {
		return tools
	}

	filtered := []string{}
	for _, tool := range tools {
		if tp.IsToolAllowed(tool) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}
