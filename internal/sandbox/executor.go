package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Stdout markers delimiting the structured result. Arbitrary program output
// lands before the begin marker; only a well-formed marker pair counts as a
// result, so partial or malformed output can never read as success.
const (
	resultBegin = "----WARDEN-RESULT-BEGIN----"
	resultEnd   = "----WARDEN-RESULT-END----"
)

// networkHints is the pre-spawn screen for executions without network
// permission. Coarse by design: the sandbox has no packet filter, so code
// that obviously reaches for the network is refused before it runs.
var networkHints = regexp.MustCompile(`(?i)\b(curl|wget|nc|telnet|ssh|scp|sftp)\b|https?://|urllib|http\.client|socket\.`)

// spawnHints screens for subprocess creation when spawn rights are absent.
var spawnHints = regexp.MustCompile(`(?i)subprocess|os\.system|fork\(|popen|exec\.Command|child_process`)

// Executor runs untrusted code in short-lived subprocesses. One process per
// call; nothing is reused across calls or tenants.
type Executor struct {
	workDir string
	log     *zap.Logger
}

// NewExecutor creates an Executor whose scratch directories live under
// workDir (os.TempDir() when empty).
func NewExecutor(workDir string, log *zap.Logger) *Executor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{workDir: workDir, log: log}
}

// Execute runs code under cfg and always returns a Result with populated
// resource usage; the error return is reserved for infrastructure failures
// (scratch dir or spawn), never for the code's own misbehavior.
//
// Termination is guaranteed: on deadline the process group gets SIGTERM,
// then SIGKILL after the grace period. All call artifacts are removed on
// every exit path.
func (x *Executor) Execute(ctx context.Context, code string, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()

	if !cfg.AllowNetwork && networkHints.MatchString(code) {
		return &Result{
			Status: StatusDeniedPermission,
			Stderr: "network access not granted for this execution",
		}, nil
	}
	if !cfg.AllowSpawn && spawnHints.MatchString(code) {
		return &Result{
			Status: StatusDeniedPermission,
			Stderr: "subprocess spawn not granted for this execution",
		}, nil
	}

	scratch, err := os.MkdirTemp(x.workDir, "warden-sbx-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	payload := filepath.Join(scratch, "payload")
	if err := os.WriteFile(payload, []byte(code), 0600); err != nil {
		return nil, fmt.Errorf("sandbox: write payload: %w", err)
	}
	runner := filepath.Join(scratch, "run.sh")
	if err := os.WriteFile(runner, []byte(runnerScript(cfg, payload)), 0700); err != nil {
		return nil, fmt.Errorf("sandbox: write runner: %w", err)
	}

	cmd := exec.Command("/bin/sh", runner)
	cmd.Dir = scratch
	cmd.Env = buildEnv(cfg, scratch)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: spawn: %w", err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	status := StatusSuccess
	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		status = StatusKilled
		x.terminate(pgid, cfg.GracePeriod, done)
	case <-timer.C:
		status = StatusTimeout
		x.terminate(pgid, cfg.GracePeriod, done)
	}

	res := &Result{
		Status: status,
		Stderr: stderr.String(),
		Usage:  usageOf(cmd, time.Since(start)),
	}

	out, exitCode, ok := parseMarkers(stdout.String())
	res.Stdout = out
	res.ExitCode = exitCode

	if status == StatusSuccess {
		switch {
		case !ok:
			res.Status = StatusRuntimeError
			if res.Stderr == "" {
				res.Stderr = "sandbox produced no result marker"
			}
		case exitCode != 0:
			res.Status = StatusRuntimeError
		}
	}

	x.log.Debug("sandbox execution finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("wall_time", res.Usage.WallTime),
	)
	return res, nil
}

// terminate delivers SIGTERM to the process group, waits out the grace
// period, then SIGKILLs whatever is left. Blocks until the child is reaped.
func (x *Executor) terminate(pgid int, grace time.Duration, done <-chan error) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	<-done
}

// runnerScript generates the single-use wrapper. It applies the memory
// ceiling, runs the payload under the configured interpreter, and emits the
// marker-delimited result so the parent can tell a real completion from
// arbitrary program output. The wrapper itself always exits 0; the payload's
// exit code travels inside the markers.
func runnerScript(cfg Config, payload string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null\n", cfg.MemoryLimitMB*1024)
	for _, part := range cfg.Interpreter {
		fmt.Fprintf(&b, "%s ", shellQuote(part))
	}
	fmt.Fprintf(&b, "%s\nrc=$?\n", shellQuote(payload))
	fmt.Fprintf(&b, "printf '\\n%s\\n{\"exit_code\":%%d}\\n%s\\n' \"$rc\"\n", resultBegin, resultEnd)
	b.WriteString("exit 0\n")
	return b.String()
}

// parseMarkers splits captured stdout into program output and the structured
// result. Returns ok=false when no complete marker pair is present.
func parseMarkers(raw string) (stdout string, exitCode int, ok bool) {
	begin := strings.LastIndex(raw, resultBegin)
	if begin < 0 {
		return raw, -1, false
	}
	rest := raw[begin+len(resultBegin):]
	end := strings.Index(rest, resultEnd)
	if end < 0 {
		return raw, -1, false
	}

	var payload struct {
		ExitCode int `json:"exit_code"`
	}
	body := strings.TrimSpace(rest[:end])
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return raw, -1, false
	}

	stdout = strings.TrimSuffix(raw[:begin], "\n")
	return stdout, payload.ExitCode, true
}

// buildEnv constructs the child environment: scratch-dir HOME/TMPDIR, a
// fixed PATH, and only the explicitly granted variables. Everything else is
// invisible to the payload.
func buildEnv(cfg Config, scratch string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
	}
	if len(cfg.ReadRoots) > 0 {
		env = append(env, "SANDBOX_READ_ROOTS="+strings.Join(cfg.ReadRoots, ":"))
	}
	if len(cfg.WriteRoots) > 0 {
		env = append(env, "SANDBOX_WRITE_ROOTS="+strings.Join(cfg.WriteRoots, ":"))
	}
	for _, name := range cfg.EnvPassthrough {
		if v, found := os.LookupEnv(name); found {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// usageOf extracts the resource snapshot from a finished command.
func usageOf(cmd *exec.Cmd, wall time.Duration) Usage {
	u := Usage{WallTime: wall}
	ps := cmd.ProcessState
	if ps == nil {
		return u
	}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		u.MaxRSSKB = int64(ru.Maxrss)
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		u.ExitSignal = ws.Signal().String()
	}
	return u
}

// shellQuote single-quotes a string for safe interpolation into the runner.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
