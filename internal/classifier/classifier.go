package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// RuleUnparseable names the fail-closed rule for payloads that cannot be
// classified.
const RuleUnparseable = "unparseable"

// Result is the outcome of classifying one action.
type Result struct {
	Tier Tier
	// Rule identifies the pattern or kind rule that matched.
	Rule string
	// Reason is a human readable explanation.
	Reason string
}

// Failed reports whether the result is the fail-closed classification.
func (r Result) Failed() bool {
	return r.Rule == RuleUnparseable
}

type shellRule struct {
	name    string
	pattern *regexp.Regexp
	reason  string
}

// rmRecursiveForce matches rm with recursive and force flags in any order or
// grouping.
const rmRecursiveForce = `\brm\s+(-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|-[a-z]*rf[a-z]*|-[a-z]*fr[a-z]*|--recursive\s+--force|--force\s+--recursive)`

var criticalRules = []shellRule{
	{"sudo", regexp.MustCompile(`(?i)\bsudo\b`), "runs with elevated privileges"},
	{"rm-recursive-force", regexp.MustCompile(`(?i)` + rmRecursiveForce), "recursive forced delete"},
	{"no-preserve-root", regexp.MustCompile(`(?i)--no-preserve-root`), "disables root safeguards"},
	{"mkfs", regexp.MustCompile(`(?i)\bmkfs\b`), "formats a filesystem"},
	{"dd", regexp.MustCompile(`(?i)\bdd\s+if=`), "raw disk copy"},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{.*\|.*&\s*\}\s*;`), "fork bomb"},
	{"format-drive", regexp.MustCompile(`(?i)\bformat\s+[a-z]:`), "formats a drive"},
	{"del-force", regexp.MustCompile(`(?i)\bdel\s+/[a-z]\s+/[a-z]\s+/[a-z]`), "forced recursive delete"},
	{"pipe-to-shell", regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`), "pipes a download into a shell"},
	{"device-write", regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|disk|mmcblk)`), "writes to a block device"},
}

var warningRules = []shellRule{
	{"rm", regexp.MustCompile(`(?i)\brm\b`), "deletes files"},
	{"mv", regexp.MustCompile(`(?i)\bmv\b`), "moves or renames files"},
	{"curl", regexp.MustCompile(`(?i)\bcurl\b`), "network transfer"},
	{"wget", regexp.MustCompile(`(?i)\bwget\b`), "network transfer"},
	{"chmod", regexp.MustCompile(`(?i)\bchmod\b`), "changes permissions"},
	{"chown", regexp.MustCompile(`(?i)\bchown\b`), "changes ownership"},
	{"redirect", regexp.MustCompile(`>`), "redirects output to a file"},
}

// Classify maps an action to its risk tier. It is total and deterministic:
// anything it cannot understand is Critical.
func Classify(a action.Action) Result {
	switch p := a.Payload().(type) {
	case action.UISnapshot, action.UIFind:
		return kindResult(Safe, p.Kind(), "observational")
	case action.UIClick, action.KeyboardType:
		return kindResult(Caution, p.Kind(), "local UI interaction")
	case action.ShellExec:
		return ClassifyCommand(p.Command)
	case action.FileDelete:
		return kindResult(Critical, p.Kind(), "file deletion")
	case action.ProcessKill:
		return kindResult(Critical, p.Kind(), "process termination")
	case action.AppQuit:
		return kindResult(Critical, p.Kind(), "application quit")
	case action.Terminate:
		return kindResult(Critical, p.Kind(), "host termination")
	case action.KillSwitchDisable:
		return kindResult(Critical, p.Kind(), "kill switch tampering")
	case nil:
		return unparseable("empty action")
	default:
		return unparseable(fmt.Sprintf("unknown payload %T", p))
	}
}

// ClassifyCommand classifies a shell command line. Whitespace runs are
// collapsed first, then critical, warning and safe patterns are tried in that
// order.
func ClassifyCommand(command string) Result {
	if !utf8.ValidString(command) {
		return unparseable("command is not valid UTF-8")
	}
	if strings.ContainsRune(command, 0) {
		return unparseable("command contains NUL bytes")
	}
	normalized := action.NormalizeCommand(command)
	if strings.TrimSpace(normalized) == "" {
		return Result{Tier: Safe, Rule: "empty", Reason: "empty command"}
	}
	if r, ok := match(criticalRules, normalized); ok {
		return Result{Tier: Critical, Rule: r.name, Reason: r.reason}
	}
	if r, ok := match(warningRules, normalized); ok {
		return Result{Tier: Caution, Rule: r.name, Reason: r.reason}
	}
	return Result{Tier: Safe, Rule: "default", Reason: "no risky pattern matched"}
}

func match(rules []shellRule, command string) (shellRule, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(command) {
			return r, true
		}
	}
	return shellRule{}, false
}

func kindResult(tier Tier, kind action.Kind, reason string) Result {
	return Result{Tier: tier, Rule: "kind:" + string(kind), Reason: reason}
}

func unparseable(reason string) Result {
	return Result{Tier: Critical, Rule: RuleUnparseable, Reason: reason}
}

// RuleNames lists the shell rules per tier, in match order.
func RuleNames() map[Tier][]string {
	out := map[Tier][]string{}
	for _, r := range criticalRules {
		out[Critical] = append(out[Critical], r.name)
	}
	for _, r := range warningRules {
		out[Caution] = append(out[Caution], r.name)
	}
	return out
}
