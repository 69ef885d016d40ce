package glacier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/linereader"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// Scripts expected in the TapeCloud bin dir.
const (
	ScriptMigrate        = "migrate"
	ScriptRecall         = "recall"
	ScriptTaskShow       = "task_show"
	ScriptProcessExpired = "process_expired"
	ScriptLowFreeSpace   = "low_free_space"
)

var taskIDPattern = regexp.MustCompile(`task ID is (\d+)`)

// ArchiveTool is the external archival system.
type ArchiveTool interface {
	// Migrate archives every path listed in manifest, one per line.
	Migrate(ctx context.Context, manifest string) error
	// Recall brings back every path listed in manifest.
	Recall(ctx context.Context, manifest string) error
	// TaskStatus returns the paths that failed in task taskID.
	TaskStatus(ctx context.Context, taskID string) ([]string, error)
	ProcessExpired(ctx context.Context) error
	LowFreeSpace(ctx context.Context) (bool, error)
}

// ToolError is a failed tool invocation. A non-empty TaskID means the
// failure can be narrowed down to individual paths with TaskStatus.
type ToolError struct {
	Tool   string
	TaskID string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s failed (task %s): %v", e.Tool, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// newToolError extracts the task id the tool printed, if any.
func newToolError(tool string, output []byte, err error) *ToolError {
	te := &ToolError{Tool: tool, Output: string(output), Err: err}
	if m := taskIDPattern.FindSubmatch(output); m != nil {
		te.TaskID = string(m[1])
	}
	return te
}

// ExecToolConfig configures an ExecTool.
type ExecToolConfig struct {
	BinDir  string
	TmpDir  string
	FS      nativefs.FS
	Parser  TaskStatusParser // defaults to TaskShowParserV1
	Logger  zerolog.Logger
	Metrics *metrics.TieringMetrics
}

// ExecTool runs the TapeCloud scripts from a bin directory.
type ExecTool struct {
	cfg    ExecToolConfig
	logger zerolog.Logger
}

// NewExecTool creates an ExecTool.
func NewExecTool(cfg ExecToolConfig) *ExecTool {
	if cfg.FS == nil {
		cfg.FS = nativefs.NewLocal()
	}
	if cfg.Parser == nil {
		cfg.Parser = TaskShowParserV1{}
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	return &ExecTool{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "tapecloud-exec").Logger(),
	}
}

// Migrate runs the migrate script on manifest.
func (t *ExecTool) Migrate(ctx context.Context, manifest string) error {
	out, err := t.run(ctx, ScriptMigrate, manifest)
	if err != nil {
		return newToolError(ScriptMigrate, out, err)
	}
	return nil
}

// Recall runs the recall script on manifest.
func (t *ExecTool) Recall(ctx context.Context, manifest string) error {
	out, err := t.run(ctx, ScriptRecall, manifest)
	if err != nil {
		return newToolError(ScriptRecall, out, err)
	}
	return nil
}

// ProcessExpired runs the process_expired script.
func (t *ExecTool) ProcessExpired(ctx context.Context) error {
	out, err := t.run(ctx, ScriptProcessExpired)
	if err != nil {
		return newToolError(ScriptProcessExpired, out, err)
	}
	return nil
}

// LowFreeSpace runs the low_free_space script, which prints true or false.
func (t *ExecTool) LowFreeSpace(ctx context.Context) (bool, error) {
	out, err := t.run(ctx, ScriptLowFreeSpace)
	if err != nil {
		return false, newToolError(ScriptLowFreeSpace, out, err)
	}
	return strings.EqualFold(strings.TrimSpace(string(out)), "true"), nil
}

// TaskStatus runs task_show for taskID. Its output can be large, so it is
// spooled to a temp file and parsed line by line.
func (t *ExecTool) TaskStatus(ctx context.Context, taskID string) ([]string, error) {
	spool := filepath.Join(t.cfg.TmpDir, fmt.Sprintf("task_show.%s.%s.out", taskID, uuid.NewString()))
	out, err := os.OpenFile(spool, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create task output spool: %w", err)
	}
	defer func() { _ = os.Remove(spool) }()

	cmd := exec.CommandContext(ctx, t.script(ScriptTaskShow), taskID)
	cmd.Stdout = out
	cmd.Stderr = out
	start := time.Now()
	runErr := cmd.Run()
	closeErr := out.Close()
	t.record(ScriptTaskShow, runErr, start)
	if runErr != nil {
		return nil, fmt.Errorf("%s %s: %w", ScriptTaskShow, taskID, runErr)
	}
	if closeErr != nil {
		return nil, closeErr
	}

	r, err := linereader.Open(t.cfg.FS, spool, linereader.Options{Logger: t.logger})
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	var failed []string
	_, _, err = r.ForEach(func(line string) (bool, error) {
		path, isFailure, err := t.cfg.Parser.ParseLine(line)
		if err != nil {
			return false, err
		}
		if isFailure {
			failed = append(failed, path)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse task %s status (%s): %w", taskID, t.cfg.Parser.Version(), err)
	}
	return failed, nil
}

func (t *ExecTool) script(name string) string {
	return filepath.Join(t.cfg.BinDir, name)
}

// run executes a script and returns its combined output.
func (t *ExecTool) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, t.script(name), args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	t.logger.Debug().Str("script", name).Strs("args", args).Msg("Running archival tool")
	start := time.Now()
	err := cmd.Run()
	t.record(name, err, start)
	if err != nil {
		t.logger.Warn().Err(err).Str("script", name).Str("output", truncate(out.String(), 2048)).Msg("Archival tool failed")
	} else {
		t.logger.Debug().Str("script", name).Dur("took", time.Since(start)).Msg("Archival tool finished")
	}
	return out.Bytes(), err
}

func (t *ExecTool) record(name string, err error, start time.Time) {
	status := "ok"
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		status = fmt.Sprintf("exit_%d", exitErr.ExitCode())
	case err != nil:
		status = "error"
	}
	t.cfg.Metrics.RecordToolRun(name, status, time.Since(start).Seconds())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
