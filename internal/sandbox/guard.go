package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	securejoin "github.com/cyphar/filepath-securejoin"
	shellquote "github.com/kballard/go-shellquote"
)

// Risk classifies an otherwise-valid command.
type Risk string

const (
	RiskSafe     Risk = "safe"
	RiskModerate Risk = "moderate"
	// RiskDangerous is reserved: no default-policy command maps to it,
	// but callers running custom whitelists may.
	RiskDangerous Risk = "dangerous"
	RiskBlocked   Risk = "blocked"
)

// MaxCommandLength caps the sanitized command. Longer input is truncated,
// not rejected; the cap exists to bound log and exec payload sizes.
const MaxCommandLength = 8192

// ValidationResult is the outcome of validating one command string.
// Sanitized is populated only when Valid is true.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Risk            Risk     `json:"risk"`
	Sanitized       string   `json:"sanitized,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	MatchedPatterns []string `json:"matchedPatterns,omitempty"`
}

// blockedSubstrings are exact substrings that block a command outright,
// checked before any regex. Covers root deletion, privilege escalation,
// raw device writes, fork bombs, container-escape tooling, and raw
// packet tools.
var blockedSubstrings = []struct {
	needle string
	desc   string
}{
	{"rm -rf /", "recursive deletion of the root filesystem"},
	{"rm -rf /*", "recursive deletion of root directory contents"},
	{"rm -fr /", "recursive deletion of the root filesystem"},
	{"--no-preserve-root", "rm with --no-preserve-root"},
	{"sudo ", "privilege escalation via sudo"},
	{"su -", "privilege escalation via su"},
	{"chmod u+s", "setuid bit manipulation"},
	{"mkfs.", "filesystem creation on a device"},
	{"> /dev/sd", "write to raw disk device"},
	{"of=/dev/", "dd write to a device node"},
	{":(){ :|:& };:", "fork bomb"},
	{":(){:|:&};:", "fork bomb"},
	{"nsenter", "namespace escape tooling"},
	{"docker.sock", "container runtime socket access"},
	{"/var/run/docker", "container runtime socket access"},
	{"runc ", "container runtime invocation"},
	{"ctr ", "containerd client invocation"},
	{"tcpdump", "raw packet capture"},
	{"nmap ", "network scanning"},
	{"hping", "raw packet injection"},
	{"/etc/shadow", "credential file access"},
	{"/etc/sudoers", "sudoers modification"},
}

// injectionPatterns are regexes over the whole command catching shapes
// that smuggle a second, unvalidated command past the checks above.
// Every matching pattern is reported, not just the first.
var injectionPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*(ba|z|da)?sh\b`), "remote script piped to shell"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*(sudo|python|perl|node)\b`), "remote script piped to interpreter"},
	{regexp.MustCompile(`\$\([^)]*\)`), "command substitution"},
	{regexp.MustCompile("`[^`]+`"), "backtick command substitution"},
	{regexp.MustCompile(`(?i)(;|&&|\|\|)\s*rm\s+(-[a-z]*\s+)*(/|~|\*)`), "chained destructive deletion"},
	{regexp.MustCompile(`(?i)>\s*/(etc|usr|bin|sbin|lib|boot|proc|sys)/`), "write to system path"},
	{regexp.MustCompile(`(?i)\b(eval|exec)\s+["']?\$`), "interpreter eval of dynamic input"},
	{regexp.MustCompile(`(?i)\bpython[0-9.]*\s+-c\s+.*\b(os\.system|subprocess|eval|exec)\b`), "python eval injection"},
	{regexp.MustCompile(`(?i)\bnode\s+(-e|--eval)\s+.*\b(child_process|eval|execSync)\b`), "node eval injection"},
	{regexp.MustCompile(`(?i)\bbase64\s+(-d|--decode)\b.*\|\s*(ba)?sh\b`), "decoded payload piped to shell"},
}

// traversalPatterns catch path traversal in any common encoding anywhere
// in the command. They are deliberately broad: a sandboxed build has no
// business referencing parent directories.
var traversalPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`\.\./`), "parent directory traversal"},
	{regexp.MustCompile(`\.\.\\`), "parent directory traversal (backslash)"},
	{regexp.MustCompile(`(?i)%2e%2e[%/\\]`), "URL-encoded traversal"},
	{regexp.MustCompile(`(?i)\.\.%2f`), "URL-encoded traversal"},
	{regexp.MustCompile(`(?i)%252e%252e`), "double-encoded traversal"},
}

// moderateRiskPatterns classify accepted commands that reach the network,
// delete files, or install packages.
var moderateRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(curl|wget|ping|nc|ssh|scp|rsync)\b`),
	regexp.MustCompile(`(?i)\brm\b`),
	regexp.MustCompile(`(?i)\b(npm|pnpm|yarn|bun)\s+(install|add|remove|uninstall|update)\b`),
	regexp.MustCompile(`(?i)\bpip[0-9.]*\s+(install|uninstall)\b`),
	regexp.MustCompile(`(?i)\b(apt|apt-get|apk|dnf|yum)\s+(install|add|remove|purge)\b`),
	regexp.MustCompile(`(?i)\bgit\s+(clone|fetch|pull|push)\b`),
}

// terminal escape sequences stripped by sanitization (CSI/OSC).
var terminalEscapes = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07]*(\x07|\x1b\\))`)

// Guard validates command strings before they reach the runtime. The
// zero value blocks on the built-in lists only; a non-nil Whitelist
// additionally requires the leading program to be known.
type Guard struct {
	// Whitelist maps program name to its allowed arguments: {"*"} allows
	// anything, an empty slice allows no arguments, any other set is the
	// allowed first-argument (subcommand) list. Nil disables whitelist
	// mode entirely.
	Whitelist map[string][]string
}

// Validate inspects a command without executing it. Checks run in order
// and short-circuit on the first blocking category; within the injection
// and traversal categories all matching patterns are reported.
func (g *Guard) Validate(command string) ValidationResult {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return blocked("empty command", nil)
	}

	for _, b := range blockedSubstrings {
		if strings.Contains(trimmed, b.needle) {
			return blocked("blocked operation: "+b.desc, []string{b.desc})
		}
	}

	var matched []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(trimmed) {
			matched = append(matched, p.desc)
		}
	}
	if len(matched) > 0 {
		return blocked("command injection pattern: "+strings.Join(matched, "; "), matched)
	}

	for _, p := range traversalPatterns {
		if p.re.MatchString(trimmed) {
			matched = append(matched, p.desc)
		}
	}
	if len(matched) > 0 {
		return blocked("path traversal: "+strings.Join(matched, "; "), matched)
	}

	if g.Whitelist != nil {
		if reason := g.checkWhitelist(trimmed); reason != "" {
			return blocked(reason, nil)
		}
	}

	return ValidationResult{
		Valid:     true,
		Risk:      classifyRisk(trimmed),
		Sanitized: sanitizeCommand(trimmed),
	}
}

// checkWhitelist enforces whitelist mode. Returns a rejection reason or
// empty string.
func (g *Guard) checkWhitelist(command string) string {
	tokens, err := shellquote.Split(command)
	if err != nil {
		return fmt.Sprintf("unparseable command: %v", err)
	}
	if len(tokens) == 0 {
		return "empty command"
	}
	program := filepath.Base(tokens[0])
	allowed, ok := g.Whitelist[program]
	if !ok {
		return fmt.Sprintf("program %q is not whitelisted", program)
	}

	// {"*"} means any arguments are fine.
	if len(allowed) == 1 && allowed[0] == "*" {
		return ""
	}
	// Empty allowed set means the program takes no arguments.
	if len(allowed) == 0 {
		if len(tokens) > 1 {
			return fmt.Sprintf("program %q accepts no arguments", program)
		}
		return ""
	}
	// Otherwise the first argument must be one of the listed subcommands.
	if len(tokens) < 2 {
		return fmt.Sprintf("program %q requires a subcommand", program)
	}
	for _, sub := range allowed {
		if tokens[1] == sub {
			return ""
		}
	}
	return fmt.Sprintf("subcommand %q is not allowed for %q", tokens[1], program)
}

func classifyRisk(command string) Risk {
	for _, re := range moderateRiskPatterns {
		if re.MatchString(command) {
			return RiskModerate
		}
	}
	return RiskSafe
}

// sanitizeCommand strips NUL bytes and terminal escape sequences and
// caps the length on a rune boundary. It never alters the shell
// semantics of an accepted command.
func sanitizeCommand(command string) string {
	command = strings.ReplaceAll(command, "\x00", "")
	command = terminalEscapes.ReplaceAllString(command, "")
	if len(command) > MaxCommandLength {
		cut := MaxCommandLength
		for cut > 0 && !utf8.RuneStart(command[cut]) {
			cut--
		}
		command = command[:cut]
	}
	return command
}

func blocked(reason string, patterns []string) ValidationResult {
	return ValidationResult{
		Valid:           false,
		Risk:            RiskBlocked,
		Reason:          reason,
		MatchedPatterns: patterns,
	}
}

// ValidatePath guards file reads and writes independently of command
// validation: it rejects traversal in any encoding and any path whose
// resolved form escapes root. The returned path is absolute, under
// root, and safe to use even if path components are symlinks.
func ValidatePath(path, root string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("path contains NUL byte")
	}
	for _, p := range traversalPatterns {
		if p.re.MatchString(path) {
			return "", fmt.Errorf("path %q rejected: %s", path, p.desc)
		}
	}
	resolved, err := securejoin.SecureJoin(root, path)
	if err != nil {
		return "", fmt.Errorf("resolve %q under %q: %w", path, root, err)
	}
	// SecureJoin guarantees containment; keep the explicit check so a
	// future refactor cannot silently weaken it.
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project root", path)
	}
	return resolved, nil
}
