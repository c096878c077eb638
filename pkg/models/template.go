package models

// PermissionMode selects how tool calls are gated.
type PermissionMode string

const (
	// PermissionAuto permits every tool.
	PermissionAuto PermissionMode = "auto"

	// PermissionReadOnly denies tools whose descriptor reports Mutates.
	PermissionReadOnly PermissionMode = "readOnly"

	// PermissionApproval suspends listed tools until a decision arrives.
	PermissionApproval PermissionMode = "approval"

	// PermissionPlan queues non-planning tools without executing them.
	PermissionPlan PermissionMode = "plan"
)

// PermissionConfig configures the permission engine for a template.
type PermissionConfig struct {
	Mode                 PermissionMode `json:"mode" yaml:"mode"`
	RequireApprovalTools []string       `json:"require_approval_tools,omitempty" yaml:"require_approval_tools"`
}

// TodoRuntime configures the todo service and its reminders.
type TodoRuntime struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	RemindIntervalSteps int  `json:"remind_interval_steps,omitempty" yaml:"remind_interval_steps"`
	ReminderOnStart     bool `json:"reminder_on_start,omitempty" yaml:"reminder_on_start"`
}

// SubagentRuntime configures delegation to sub-agents.
type SubagentRuntime struct {
	Templates []string `json:"templates,omitempty" yaml:"templates"`
	Depth     int      `json:"depth,omitempty" yaml:"depth"`
}

// RuntimeConfig groups optional runtime facilities of a template.
type RuntimeConfig struct {
	Todo      *TodoRuntime     `json:"todo,omitempty" yaml:"todo"`
	Subagents *SubagentRuntime `json:"subagents,omitempty" yaml:"subagents"`
}

// TemplateSpec is the serializable part of an agent template: the blueprint
// an agent is created from and the part a snapshot records. Hook functions
// attach at runtime and are never serialized.
type TemplateSpec struct {
	ID           string            `json:"id" yaml:"id"`
	SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Tools        []string          `json:"tools,omitempty" yaml:"tools"`
	Permission   *PermissionConfig `json:"permission,omitempty" yaml:"permission"`
	Runtime      RuntimeConfig     `json:"runtime,omitempty" yaml:"runtime"`
}

// Clone returns a deep copy of the template spec.
func (t *TemplateSpec) Clone() *TemplateSpec {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Tools = append([]string(nil), t.Tools...)
	if t.Permission != nil {
		p := *t.Permission
		p.RequireApprovalTools = append([]string(nil), t.Permission.RequireApprovalTools...)
		clone.Permission = &p
	}
	if t.Runtime.Todo != nil {
		td := *t.Runtime.Todo
		clone.Runtime.Todo = &td
	}
	if t.Runtime.Subagents != nil {
		sa := *t.Runtime.Subagents
		sa.Templates = append([]string(nil), t.Runtime.Subagents.Templates...)
		clone.Runtime.Subagents = &sa
	}
	return &clone
}
