package policy

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
)

// hostIdentity describes the processes the broker must never let an action
// terminate.
type hostIdentity struct {
	pids  map[int]struct{}
	names map[string]struct{}
}

func newHostIdentity(pids []int, names []string) hostIdentity {
	h := hostIdentity{pids: map[int]struct{}{}, names: map[string]struct{}{}}
	for _, pid := range pids {
		if pid > 0 {
			h.pids[pid] = struct{}{}
		}
	}
	for _, name := range names {
		if n := normalizeName(name); n != "" {
			h.names[n] = struct{}{}
		}
	}
	return h
}

func (h hostIdentity) hasPID(pid int) bool {
	_, ok := h.pids[pid]
	return ok
}

func (h hostIdentity) hasName(name string) bool {
	_, ok := h.names[normalizeName(name)]
	return ok
}

var signalCommand = regexp.MustCompile(`(?i)\b(kill|pkill|killall|taskkill|skill)\b`)

// signalsHost reports whether a shell command sends a signal to the host.
func (h hostIdentity) signalsHost(command string) bool {
	normalized := action.NormalizeCommand(command)
	if !signalCommand.MatchString(normalized) {
		return false
	}
	for _, field := range strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == ';' || r == '&' || r == '|' || r == '"' || r == '\''
	}) {
		lowered := strings.ToLower(field)
		if lowered == "$ppid" || lowered == "${ppid}" {
			return true
		}
		if pid, err := strconv.Atoi(field); err == nil && h.hasPID(pid) {
			return true
		}
		if h.hasName(field) {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// forbidden evaluates the hard-coded forbidden set followed by the deny
// list. It never consults remembered decisions.
func forbidden(a action.Action, host hostIdentity, deny []Rule) (rule, reason string, ok bool) {
	switch p := a.Payload().(type) {
	case action.Terminate:
		return RuleForbidden, "terminating the host process is never permitted", true
	case action.KillSwitchDisable:
		return RuleForbidden, "the kill switch cannot be disabled by an action", true
	case action.ProcessKill:
		if host.hasPID(p.PID) || (p.Name != "" && host.hasName(p.Name)) {
			return RuleForbidden, "killing the host process is never permitted", true
		}
	case action.AppQuit:
		if host.hasName(p.App) {
			return RuleForbidden, "quitting the host application is never permitted", true
		}
	case action.ShellExec:
		if host.signalsHost(p.Command) {
			return RuleForbidden, "signalling the host process is never permitted", true
		}
	}
	if r, matched := firstMatch(deny, a); matched {
		return RuleDenyList + ":" + r.label(), "matched deny list", true
	}
	return "", "", false
}

type evalInput struct {
	sessionID  string
	action     action.Action
	class      classifier.Result
	writeLock  bool
	allow      []Rule
	deny       []Rule
	remembered map[string]Remembered
	host       hostIdentity
	now        time.Time
}

// evaluate runs the decision procedure for non-Safe actions. It is pure:
// every input is a snapshot taken under the engine's read lock.
func evaluate(in evalInput) Decision {
	tier := in.class.Tier.Effective()
	decision := func(v Verdict, rule, reason string) Decision {
		return Decision{Verdict: v, Tier: tier, Rule: rule, Reason: reason}
	}

	if rule, reason, ok := forbidden(in.action, in.host, in.deny); ok {
		return decision(VerdictDeny, rule, reason)
	}

	if mem, ok := in.remembered[in.action.Signature()]; ok && mem.appliesTo(in.sessionID, in.now) {
		switch mem.Decision {
		case approval.DecisionDeny:
			return decision(VerdictDeny, RuleRemembered, "previously denied by a human decision")
		case approval.DecisionAllowAlways:
			if tier != classifier.Critical {
				return decision(VerdictAllow, RuleRemembered, "previously allowed always")
			}
			// Critical actions fall through to a fresh human decision.
		}
	}

	switch tier {
	case classifier.Caution:
		if !in.writeLock {
			return decision(VerdictAllow, RuleUnlocked, "write lock is off")
		}
		if r, ok := firstMatch(in.allow, in.action); ok {
			return decision(VerdictAllow, RuleAllowList+":"+r.label(), "matched allow list")
		}
		return decision(VerdictRequireApproval, RuleWriteLock+"/"+in.class.Rule, "write lock is on: "+in.class.Reason)
	default:
		return decision(VerdictRequireApproval, RuleHumanGate+"/"+in.class.Rule, "critical action needs a human decision: "+in.class.Reason)
	}
}
