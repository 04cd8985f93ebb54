// Package approval classifies shell commands by risk and resolves approval
// decisions for the dangerous ones, backed by a persisted command allowlist.
package approval

import (
	"regexp"
	"strings"
)

// RiskRule pairs a dangerous-command pattern with a short reason shown to
// whoever is asked to approve it.
type RiskRule struct {
	Name    string
	Reason  string
	pattern *regexp.Regexp
}

// riskRules is the fixed classification table. Rules match anywhere in the
// command string after whitespace normalization.
var riskRules = []RiskRule{
	{
		Name:    "recursive-delete",
		Reason:  "recursively deletes files",
		pattern: regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`),
	},
	{
		Name:    "find-delete",
		Reason:  "bulk-deletes files via find",
		pattern: regexp.MustCompile(`\bfind\b.*(-delete\b|-exec\s+rm\b)`),
	},
	{
		Name:    "drop-sql",
		Reason:  "drops a database object",
		pattern: regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema|index|view)\b`),
	},
	{
		Name:    "truncate-sql",
		Reason:  "truncates a table",
		pattern: regexp.MustCompile(`(?i)\btruncate\s+(table\s+)?\w`),
	},
	{
		Name:    "unqualified-delete-sql",
		Reason:  "deletes all rows of a table",
		pattern: regexp.MustCompile(`(?i)\bdelete\s+from\s+\S+\s*(;|$)`),
	},
	{
		Name:    "permission-widening",
		Reason:  "widens file permissions",
		pattern: regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*(777|a\+rwx?|o\+w)`),
	},
	{
		Name:    "recursive-chmod",
		Reason:  "changes permissions recursively",
		pattern: regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*|--recursive)\b`),
	},
	{
		Name:    "recursive-chown",
		Reason:  "changes ownership recursively",
		pattern: regexp.MustCompile(`\bchown\s+(-[a-zA-Z]*R[a-zA-Z]*|--recursive)\b`),
	},
	{
		Name:    "raw-device-write",
		Reason:  "writes to a raw block device",
		pattern: regexp.MustCompile(`\bdd\b.*\bof=/dev/|>\s*/dev/(sd|nvme|vd|hd)`),
	},
	{
		Name:    "mkfs",
		Reason:  "formats a filesystem",
		pattern: regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	},
	{
		Name:    "fork-bomb",
		Reason:  "fork bomb",
		pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`),
	},
	{
		Name:    "system-halt",
		Reason:  "halts or reboots the machine",
		pattern: regexp.MustCompile(`(^|;\s*|&&\s*|\|\|\s*|\bsudo\s+)(shutdown|reboot|halt|poweroff)\b`),
	},
	{
		Name:    "pipe-to-shell",
		Reason:  "pipes a download into a shell",
		pattern: regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(ba|z|da|k)?sh\b`),
	},
	{
		Name:    "kill-all",
		Reason:  "kills processes by name or wholesale",
		pattern: regexp.MustCompile(`\b(killall|pkill)\s+-9\b|\bkill\s+-9\s+-1\b`),
	},
	{
		Name:    "git-destructive",
		Reason:  "discards git history or worktree state",
		pattern: regexp.MustCompile(`\bgit\s+(push\s+[^;|]*--force\b|reset\s+--hard\b|clean\s+-[a-zA-Z]*f)`),
	},
}

// Classification is the outcome of risk classification for one command.
type Classification struct {
	Dangerous bool
	Rule      string
	Reason    string
}

// Classify checks a command against the risk rule table. The first matching
// rule wins; order in the table is most-specific first.
func Classify(command string) Classification {
	normalized := strings.Join(strings.Fields(command), " ")
	if normalized == "" {
		return Classification{}
	}
	for _, rule := range riskRules {
		if rule.pattern.MatchString(normalized) {
			return Classification{Dangerous: true, Rule: rule.Name, Reason: rule.Reason}
		}
	}
	return Classification{}
}
