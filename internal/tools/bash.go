package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Dangerous command patterns denied before the permission policy runs. These
// catch destructive operations, exfiltration, reverse shells, privilege
// escalation, and common filter bypasses.
var defaultDenyPatterns = []*regexp.Regexp{
	// destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// exfiltration and remote code
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bopenssl\b.*s_client`),
	regexp.MustCompile(`\bmkfifo\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// environment injection
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),

	// filter bypass
	regexp.MustCompile(`\bsed\b.*['"]/e\b`),
	regexp.MustCompile(`\bsort\b.*--compress-program`),
	regexp.MustCompile(`\bgit\b.*(--upload-pack|--receive-pack|--exec)=`),
	regexp.MustCompile(`\b(rg|grep)\b.*--pre=`),

	// persistence
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),

	// secret dumps
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`^\s*env\s*\|`),
	regexp.MustCompile(`\bprintenv\b`),
}

const (
	defaultBashTimeout = 60 * time.Second
	maxOutputChars     = 30000
)

// BashTool executes shell commands in the workspace. It is serial: shell
// commands mutate shared filesystem state and never overlap other tools.
type BashTool struct {
	workspace    string
	restrict     bool
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
}

func NewBashTool(workspace string, restrict bool) *BashTool {
	return &BashTool{
		workspace:    workspace,
		restrict:     restrict,
		timeout:      defaultBashTimeout,
		denyPatterns: defaultDenyPatterns,
	}
}

// SetDefaultTimeout replaces the built-in timeout used when a call does not
// pass timeoutSec.
func (t *BashTool) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return "Execute a shell command and return its output" }
func (t *BashTool) SerialOnly() bool    { return true }

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"workingDir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
			"timeoutSec": map[string]any{
				"type":        "number",
				"description": "Optional timeout in seconds",
				"minimum":     1.0,
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	}
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Command    string  `json:"command"`
		WorkingDir string  `json:"workingDir"`
		TimeoutSec float64 `json:"timeoutSec"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if args.Command == "" {
		return Errorf("command is required")
	}

	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(args.Command) {
			return Errorf("command denied by safety policy: matches pattern %s", pattern.String())
		}
	}

	cwd := workspaceFor(ctx, t.workspace)
	if args.WorkingDir != "" {
		resolved, err := resolvePath(args.WorkingDir, cwd, t.restrict)
		if err != nil {
			return Errorf("%v", err)
		}
		cwd = resolved
	}

	timeout := t.timeout
	if args.TimeoutSec > 0 {
		timeout = time.Duration(args.TimeoutSec * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	out := map[string]any{
		"stdout": truncate(stdout.String(), maxOutputChars),
		"stderr": truncate(stderr.String(), maxOutputChars),
	}
	if ctx.Err() == context.DeadlineExceeded {
		out["error"] = fmt.Sprintf("command timed out after %s", timeout)
		return &Result{Value: out, IsError: true, Summary: "command timed out"}
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		out["exitCode"] = exitCode
		out["error"] = err.Error()
		return &Result{Value: out, IsError: true, Summary: fmt.Sprintf("exit %d", exitCode)}
	}
	out["exitCode"] = 0
	return OK(out)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
