// Package gate holds the contracts an agent must honor before a dispatched
// command ever reaches a shell: an allowlist-backed command validator, a
// Docker parameter validator for container-lifecycle calls, and a rate
// limiter combining a rolling window with a concurrency cap.
//
// None of this has a direct analogue in the host process this agent's
// connection manager is grounded on — that process only ran a fixed backup
// job, never arbitrary operator commands. The validation shape borrows the
// sentinel-error and ordered-check style the rest of the pack uses.
package gate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// metaChars are rejected outright unless the command matches the narrow
// pre-flight exception in isToleratedPreflight.
var metaChars = []string{";", "|", "&", "`", "$(", ">", "<", "&&", "||"}

// preflightRedirect is the single tolerated shell construct: a trailing
// "2>/dev/null" on an otherwise metachar-free command.
var preflightRedirect = regexp.MustCompile(`\s+2>/dev/null$`)

// Pattern is one allowlist entry. Regex is matched against the command with
// MatchString, so it should anchor at the start (e.g. "^docker ps\\b") to
// honor match-at-start semantics — embedded arguments must be explicitly
// allowed by the pattern itself.
type Pattern struct {
	Name       string
	Regex      *regexp.Regexp
	MaxTimeout time.Duration
}

// Validator checks a command string against the shell-metachar rule, the
// ordered allowlist, and a per-pattern timeout ceiling. The zero value is
// not usable; build one with NewValidator.
type Validator struct {
	patterns []Pattern
}

// NewValidator builds a Validator from an ordered list of patterns. The
// first matching pattern wins, so more specific patterns must precede more
// general ones the caller intends to shadow.
func NewValidator(patterns []Pattern) *Validator {
	return &Validator{patterns: patterns}
}

// Validate runs the three-step check described by the command validator:
// shell-metachar reject, allowlist match, timeout ceiling. requestedTimeout
// of zero means "no explicit timeout requested" and skips the ceiling check.
func (v *Validator) Validate(command string, requestedTimeout time.Duration) (ok bool, reason string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return false, "empty command"
	}

	if err := checkMetaChars(command); err != nil {
		return false, err.Error()
	}

	pattern, matched := v.match(command)
	if !matched {
		return false, "not in allowlist"
	}

	if requestedTimeout > 0 && requestedTimeout > pattern.MaxTimeout {
		return false, "exceeds maximum"
	}

	return true, ""
}

func (v *Validator) match(command string) (Pattern, bool) {
	for _, p := range v.patterns {
		if p.Regex.MatchString(command) {
			return p, true
		}
	}
	return Pattern{}, false
}

// checkMetaChars rejects shell metacharacters, with one narrow exception: a
// single trailing "2>/dev/null" is stripped before the scan so otherwise
// plain commands that silence stderr on a best-effort probe still pass.
func checkMetaChars(command string) error {
	probe := preflightRedirect.ReplaceAllString(command, "")
	for _, ch := range metaChars {
		if strings.Contains(probe, ch) {
			return fmt.Errorf("shell metacharacters not permitted")
		}
	}
	return nil
}

// DefaultPatterns returns the stock allowlist: Docker read operations,
// container lifecycle, and system inspection. Loaded as data here rather
// than scattered through call sites — swap this out for a table loaded from
// configuration without touching Validator itself.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "docker-ps", Regex: regexp.MustCompile(`^docker ps(\s|$)`), MaxTimeout: 10 * time.Second},
		{Name: "docker-version", Regex: regexp.MustCompile(`^docker version(\s|$)`), MaxTimeout: 10 * time.Second},
		{Name: "docker-info", Regex: regexp.MustCompile(`^docker info(\s|$)`), MaxTimeout: 10 * time.Second},
		{Name: "docker-inspect", Regex: regexp.MustCompile(`^docker inspect\s+\S+$`), MaxTimeout: 10 * time.Second},
		{Name: "docker-logs", Regex: regexp.MustCompile(`^docker logs(\s+--tail\s+\d+)?\s+\S+(\s+2>/dev/null)?$`), MaxTimeout: 30 * time.Second},
		{Name: "docker-stats", Regex: regexp.MustCompile(`^docker stats\s+--no-stream(\s+\S+)?$`), MaxTimeout: 15 * time.Second},
		{Name: "docker-start", Regex: regexp.MustCompile(`^docker start\s+\S+$`), MaxTimeout: 30 * time.Second},
		{Name: "docker-stop", Regex: regexp.MustCompile(`^docker stop(\s+-t\s+\d+)?\s+\S+$`), MaxTimeout: 30 * time.Second},
		{Name: "docker-restart", Regex: regexp.MustCompile(`^docker restart\s+\S+$`), MaxTimeout: 60 * time.Second},
		{Name: "docker-rm", Regex: regexp.MustCompile(`^docker rm(\s+-f)?\s+\S+$`), MaxTimeout: 30 * time.Second},
		{Name: "docker-run", Regex: regexp.MustCompile(`^docker run\b`), MaxTimeout: 120 * time.Second},
		{Name: "docker-pull", Regex: regexp.MustCompile(`^docker pull\s+\S+$`), MaxTimeout: 300 * time.Second},
		{Name: "docker-exec", Regex: regexp.MustCompile(`^docker exec\b`), MaxTimeout: 60 * time.Second},
		{Name: "uname", Regex: regexp.MustCompile(`^uname(\s+-a)?$`), MaxTimeout: 5 * time.Second},
		{Name: "hostname", Regex: regexp.MustCompile(`^hostname$`), MaxTimeout: 5 * time.Second},
		{Name: "uptime", Regex: regexp.MustCompile(`^uptime$`), MaxTimeout: 5 * time.Second},
		{Name: "df", Regex: regexp.MustCompile(`^df(\s+-h)?$`), MaxTimeout: 5 * time.Second},
		{Name: "free", Regex: regexp.MustCompile(`^free(\s+-m|\s+-h)?$`), MaxTimeout: 5 * time.Second},
		{Name: "cat-tmp", Regex: regexp.MustCompile(`^cat /tmp/[A-Za-z0-9_.-]+/status$`), MaxTimeout: 10 * time.Second},
	}
}
