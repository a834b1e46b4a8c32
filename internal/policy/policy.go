// Package policy classifies proposed automation actions into risk tiers.
//
// Classification is a pure function of the action name and arguments: shell
// commands are scanned against a fixed set of destructive patterns, outward
// side effects are surfaced to the owner, and everything else proceeds.
package policy

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// commandActionNames are action names whose arguments carry a shell command.
var commandActionNames = map[string]bool{
	models.ActionRunCommand: true,
	"bash":                  true,
	"Bash":                  true,
	"exec":                  true,
	"shell":                 true,
}

// notifyActionNames are actions with outward, low-reversibility side effects
// that proceed but are surfaced to the owner.
var notifyActionNames = map[string]bool{
	models.ActionSendMessage: true,
	models.ActionScheduleJob: true,
}

// destructivePatterns match shell commands that warrant human approval.
var destructivePatterns = []*regexp.Regexp{
	// Recursive delete of root or home.
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(/|~|\$HOME)(\s|$|/\*?\s*$)`),
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+--no-preserve-root`),
	// Disk overwrite utilities aimed at devices.
	regexp.MustCompile(`\bdd\s+[^|;]*of=/dev/`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\s`),
	regexp.MustCompile(`\bshred\s+[^|;]*/dev/`),
	// Piping a remote download directly into a shell.
	regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`),
	// Permission broadening on everything.
	regexp.MustCompile(`chmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?777\s+(/|/\S*\s*\*|\*)`),
	regexp.MustCompile(`chmod\s+-R\s+777\s`),
	// Fork bombs.
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`),
	// Power-state commands.
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	// Disabling OS-level protections.
	regexp.MustCompile(`\bsystemctl\s+(stop|disable)\s+(firewalld|ufw|apparmor)\b`),
	regexp.MustCompile(`\bufw\s+disable\b`),
	regexp.MustCompile(`\bsetenforce\s+0\b`),
	regexp.MustCompile(`\bcsrutil\s+disable\b`),
	regexp.MustCompile(`\bspctl\s+--master-disable\b`),
}

// Classify maps a proposed action to its risk tier. It is total and holds
// no state: identical inputs always yield identical tiers.
func Classify(actionName string, args map[string]any) models.RiskTier {
	if commandActionNames[actionName] {
		if command := extractCommand(args); command != "" && isDestructive(command) {
			return models.RiskRequireApproval
		}
		return models.RiskAutoAllow
	}
	if notifyActionNames[actionName] {
		return models.RiskNotify
	}
	return models.RiskAutoAllow
}

// extractCommand pulls the command string out of the action arguments,
// tolerating the common field spellings.
func extractCommand(args map[string]any) string {
	if args == nil {
		return ""
	}
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// isDestructive reports whether the command matches any destructive pattern.
func isDestructive(command string) bool {
	trimmed := strings.TrimSpace(command)
	for _, pattern := range destructivePatterns {
		if pattern.MatchString(trimmed) {
			return true
		}
	}
	return false
}
