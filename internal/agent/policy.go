package agent

import "github.com/agentdeck/agentdeck/pkg/claudecode"

// Mode is the permission mode of one agent process.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModePlan              Mode = "plan"
	ModeBypassPermissions Mode = "bypassPermissions"
)

// ValidMode reports whether m is in the closed mode set.
func ValidMode(m Mode) bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions:
		return true
	default:
		return false
	}
}

// PlanModeDenial is the feedback sent to the model when plan mode
// suppresses a tool call.
const PlanModeDenial = "Plan mode: execution suppressed"

type policyAction int

const (
	// actionSurface blocks on an operator input request.
	actionSurface policyAction = iota
	actionAllow
	actionDeny
)

// decideToolUse applies the fixed per-mode policy table to one tool call.
func decideToolUse(mode Mode, toolName string) (policyAction, string) {
	switch mode {
	case ModeBypassPermissions:
		return actionAllow, ""
	case ModePlan:
		return actionDeny, PlanModeDenial
	case ModeAcceptEdits:
		if claudecode.EditLikeTools[toolName] {
			return actionAllow, ""
		}
		return actionSurface, ""
	default:
		return actionSurface, ""
	}
}
