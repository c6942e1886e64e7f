// Package judge drives one claimed attempt through compilation, the
// sandboxed test runs and the checker, and persists the verdict.
package judge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/lerna-cp/tester/config"
	"github.com/lerna-cp/tester/ejudge"
	"github.com/lerna-cp/tester/emit"
	"github.com/lerna-cp/tester/metrics"
	"github.com/lerna-cp/tester/store"
	"github.com/lerna-cp/tester/verdict"
)

// RecoverableError aborts the current attempt but not the worker: a
// malformed sandbox report, a missing checker, anything wrong with the
// problem package rather than with the worker itself.
type RecoverableError struct {
	Reason string
}

func (e *RecoverableError) Error() string {
	return e.Reason
}

func recoverable(format string, args ...interface{}) error {
	return &RecoverableError{Reason: fmt.Sprintf(format, args...)}
}

// IsRecoverable reports whether judging failed in a way the worker should
// shrug off and keep claiming.
func IsRecoverable(err error) bool {
	var recoverableErr *RecoverableError
	return errors.As(err, &recoverableErr)
}

// Options carries the pipeline's optional collaborators.
type Options struct {
	// Runner executes children; defaults to NewExecRunner().
	Runner CommandRunner

	// Emitter receives judging events; defaults to a NullEmitter.
	Emitter emit.Emitter

	// Metrics, when set, counts attempts and tests.
	Metrics *metrics.Metrics
}

// Judge judges attempts one at a time inside an exclusively owned working
// directory.
type Judge struct {
	store   store.Store
	cfg     *config.Config
	workDir string
	runner  CommandRunner
	emitter emit.Emitter
	metrics *metrics.Metrics
}

// New creates a pipeline bound to a store, a loaded config and a working
// directory the worker owns exclusively.
func New(st store.Store, cfg *config.Config, workDir string, opts Options) *Judge {
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}
	return &Judge{
		store:   st,
		cfg:     cfg,
		workDir: workDir,
		runner:  opts.Runner,
		emitter: opts.Emitter,
		metrics: opts.Metrics,
	}
}

// Process judges one claimed attempt end to end.
//
// A nil return means the attempt reached a terminal state (including
// "Compilation error" and "System error on test n"). A RecoverableError
// means the attempt was abandoned in its last transient state; any other
// error is fatal to the worker.
func (j *Judge) Process(ctx context.Context, att *store.Attempt) error {
	start := time.Now()
	defer func() {
		j.metrics.ObserveJudgeDuration(time.Since(start))
	}()

	problem := &att.PIC.Problem
	j.emitter.Emit(emit.Event{
		AttemptID: att.ID,
		Msg:       "attempt_start",
		Meta: map[string]interface{}{
			"problem_id":      problem.ID,
			"problem":         problem.Name,
			"contest_id":      att.PIC.Contest.ID,
			"number":          att.PIC.Number,
			"user":            fmt.Sprintf("%s (%s)", att.User.Username, att.User.Login),
			"compiler":        att.Compiler.Name,
			"time_limit":      formatTimeLimit(problem.TimeLimit),
			"memory_limit_mb": problem.MemoryLimit,
			"checker":         problem.Checker,
		},
	})

	if err := cleanDir(j.workDir); err != nil {
		return fmt.Errorf("failed to clean working directory: %w", err)
	}

	if err := j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{Result: "Compiling..."}); err != nil {
		return err
	}
	j.emitter.Emit(emit.Event{AttemptID: att.ID, Msg: "compiling"})

	build, err := j.compile(ctx, att)
	if err != nil {
		return err
	}
	if build.ExitCode != 0 {
		message := decodeText(build.Stderr)
		j.emitter.Emit(emit.Event{
			AttemptID: att.ID,
			Msg:       "compilation_error",
			Meta:      map[string]interface{}{"error": message},
		})
		j.metrics.RecordAttempt("compilation_error")
		return j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{
			Result:       "Compilation error",
			ErrorMessage: &message,
		})
	}

	if err := j.runTests(ctx, att, build.Stdout); err != nil {
		return err
	}
	j.emitter.Emit(emit.Event{
		AttemptID: att.ID,
		Msg:       "attempt_done",
		Meta:      map[string]interface{}{"duration_s": time.Since(start).Seconds()},
	})
	return nil
}

// compile feeds the source to the compiler on stdin. The artifact comes
// back on stdout; a non-zero exit code means a compilation error, with the
// diagnostics on stderr.
func (j *Judge) compile(ctx context.Context, att *store.Attempt) (CommandResult, error) {
	compilerPath, ok := j.cfg.Exec.Compilers[att.Compiler.Codename]
	if !ok {
		return CommandResult{}, recoverable("Compiler %q is not registered", att.Compiler.Codename)
	}

	res, err := j.runner.Run(ctx, Command{
		Path:  compilerPath,
		Dir:   j.workDir,
		Stdin: []byte(att.Source),
	})
	if err != nil {
		return CommandResult{}, err
	}

	if len(res.Stderr) > 0 {
		logPath := filepath.Join(j.workDir, j.cfg.Files.CompilerLog)
		if err := os.WriteFile(logPath, res.Stderr, 0o644); err != nil {
			return CommandResult{}, fmt.Errorf("failed to write compiler log: %w", err)
		}
	}
	return res, nil
}

// runTests is the per-test state machine: publish progress, run the
// sandbox, refine the verdict with the checker, persist.
func (j *Judge) runTests(ctx context.Context, att *store.Attempt, artifact []byte) error {
	problem := &att.PIC.Problem
	isSchool := att.PIC.Contest.IsSchool
	problemRoot := filepath.Join(j.cfg.Dirs.Problems, problem.Path)

	runnerPath, ok := j.cfg.Exec.Runners[att.Compiler.RunnerCodename]
	if !ok {
		return recoverable("Runner %q is not registered", att.Compiler.RunnerCodename)
	}

	multiplier := j.cfg.Behaviour.TimeMultiplier
	scaledLimit := scale(problem.TimeLimit, 1/multiplier)
	runnerArgs := []string{
		j.cfg.Files.Stdin,
		j.cfg.Files.Stdout,
		j.cfg.Files.Stderr,
		strconv.FormatInt(scaledLimit, 10),
		strconv.FormatInt(problem.MemoryLimit, 10),
	}

	var (
		maxTime     int64 = 1   // ms
		maxMemoryKB int64 = 125 // KB
		passedTests       = 0
		totalTests        = 0

		// Resolved on first use, so a broken checker surfaces only when a
		// run actually needs refereeing.
		checkerArgs []string
	)

	for testNumber := 1; ; testNumber++ {
		testFile := filepath.Join(problemRoot, fmt.Sprintf(problem.MaskIn, testNumber))
		if !isRegularFile(testFile) {
			break
		}
		totalTests = testNumber

		err := j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{
			Result:     fmt.Sprintf("Testing... %d", testNumber),
			UsedTime:   seconds(maxTime),
			UsedMemory: megabytes(maxMemoryKB),
		})
		if err != nil {
			return err
		}
		j.emitter.Emit(emit.Event{AttemptID: att.ID, Test: testNumber, Msg: "testing"})

		if err := copyFile(testFile, filepath.Join(j.workDir, j.cfg.Files.Stdin)); err != nil {
			return fmt.Errorf("failed to stage test input: %w", err)
		}

		protocol, err := j.executeProgram(ctx, runnerPath, runnerArgs, artifact)
		if err != nil {
			return err
		}
		cpuTime := scale(protocol.CPUTime, multiplier)
		realTime := scale(protocol.RealTime, multiplier)
		vmSizeKB := protocol.VMSize >> 10
		maxTime = max(maxTime, cpuTime)
		maxMemoryKB = max(maxMemoryKB, vmSizeKB)

		testVerdict := protocol.Verdict
		checkerComment := ""
		switch {
		case testVerdict == verdict.TL:
			// The sandbox cannot tell a busy program from a stalled one:
			// under the CPU limit but over the wall limit means idleness.
			if cpuTime < problem.TimeLimit && realTime >= problem.TimeLimit {
				testVerdict = verdict.IL
			}
		case testVerdict == verdict.OK:
			if checkerArgs == nil {
				checkerArgs, err = j.locateChecker(problem.Checker, problemRoot)
				if err != nil {
					return err
				}
			}
			testVerdict, checkerComment, err = j.checkOutput(
				ctx, checkerArgs, testFile, problemRoot, problem, testNumber)
			if err != nil {
				return err
			}
		}
		j.metrics.RecordTest(testVerdict.Label())

		if isSchool {
			err := j.store.RecordTestInfo(ctx, store.TestInfo{
				AttemptID:      att.ID,
				TestNumber:     testNumber,
				Result:         testVerdict.Label(),
				UsedTime:       *seconds(max(cpuTime, 1)),
				UsedMemory:     max(vmSizeKB, 125),
				CheckerComment: checkerComment,
			})
			if err != nil {
				return err
			}
			if testVerdict == verdict.OK {
				passedTests++
			}
		}

		if testVerdict == verdict.SE {
			j.emitter.Emit(emit.Event{
				AttemptID: att.ID,
				Test:      testNumber,
				Msg:       "checker_failed",
				Meta:      map[string]interface{}{"error": "checker failed", "comment": checkerComment},
			})
			j.metrics.RecordAttempt("system_error")
			return j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{
				Result:         fmt.Sprintf("System error on test %d", testNumber),
				UsedTime:       seconds(maxTime),
				UsedMemory:     megabytes(maxMemoryKB),
				CheckerComment: &checkerComment,
			})
		}
		if !isSchool && testVerdict != verdict.OK {
			result := fmt.Sprintf("%s on test %d", testVerdict.Label(), testNumber)
			j.emitter.Emit(emit.Event{
				AttemptID: att.ID,
				Test:      testNumber,
				Msg:       "verdict",
				Meta: map[string]interface{}{
					"result":         result,
					"used_time_s":    *seconds(maxTime),
					"used_memory_mb": *megabytes(maxMemoryKB),
				},
			})
			j.metrics.RecordAttempt("rejected")
			return j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{
				Result:         result,
				UsedTime:       seconds(maxTime),
				UsedMemory:     megabytes(maxMemoryKB),
				CheckerComment: &checkerComment,
			})
		}
	}

	// Every discovered test has run.
	if isSchool {
		score := 0.0
		if totalTests > 0 {
			score = 100 * float64(passedTests) / float64(totalTests)
		}
		j.emitter.Emit(emit.Event{
			AttemptID: att.ID,
			Msg:       "verdict",
			Meta: map[string]interface{}{
				"result":         "Tested",
				"score":          score,
				"used_time_s":    *seconds(maxTime),
				"used_memory_mb": *megabytes(maxMemoryKB),
			},
		})
		j.metrics.RecordAttempt("tested")
		return j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{
			Result:     "Tested",
			UsedTime:   seconds(maxTime),
			UsedMemory: megabytes(maxMemoryKB),
			Score:      &score,
		})
	}

	j.emitter.Emit(emit.Event{
		AttemptID: att.ID,
		Msg:       "verdict",
		Meta: map[string]interface{}{
			"result":         "Accepted",
			"used_time_s":    *seconds(maxTime),
			"used_memory_mb": *megabytes(maxMemoryKB),
		},
	})
	j.metrics.RecordAttempt("accepted")
	return j.store.UpdateResult(ctx, att.ID, store.ResultUpdate{
		Result:     "Accepted",
		UsedTime:   seconds(maxTime),
		UsedMemory: megabytes(maxMemoryKB),
	})
}

// executeProgram runs the sandbox, persists its raw report to the ejudge
// log and parses it.
func (j *Judge) executeProgram(ctx context.Context, runnerPath string, args []string, artifact []byte) (ejudge.Protocol, error) {
	res, err := j.runner.Run(ctx, Command{
		Path:  runnerPath,
		Args:  args,
		Dir:   j.workDir,
		Stdin: artifact,
	})
	if err != nil {
		return ejudge.Protocol{}, err
	}

	logPath := filepath.Join(j.workDir, j.cfg.Files.EjudgeLog)
	if err := os.WriteFile(logPath, res.Stdout, 0o644); err != nil {
		return ejudge.Protocol{}, fmt.Errorf("failed to write sandbox log: %w", err)
	}

	protocol, err := ejudge.Parse(res.Stdout)
	if err != nil {
		return ejudge.Protocol{}, recoverable("%v", err)
	}
	return protocol, nil
}

// checkOutput runs the checker in the problem root (the command may be
// "java check", which resolves classes relative to its cwd) and maps the
// exit code to the refined verdict.
func (j *Judge) checkOutput(ctx context.Context, checkerArgs []string, testFile, problemRoot string, problem *store.Problem, testNumber int) (verdict.Verdict, string, error) {
	answerFile := os.DevNull
	if problem.MaskOut != "" {
		answerFile = filepath.Join(problemRoot, fmt.Sprintf(problem.MaskOut, testNumber))
	}
	outputFile := filepath.Join(j.workDir, j.cfg.Files.Stdout)

	args := append(append([]string{}, checkerArgs[1:]...), testFile, outputFile, answerFile)
	res, err := j.runner.Run(ctx, Command{
		Path: checkerArgs[0],
		Args: args,
		Dir:  problemRoot,
	})
	if err != nil {
		return "", "", err
	}

	comment := truncateComment(decodeText(res.Stderr), j.cfg.Behaviour.CheckerCommentMaxLen)
	return verdict.FromCheckerExitCode(res.ExitCode), comment, nil
}

// locateChecker resolves the problem's checker command string: split into
// shell words, resolve the executable through the registry or relative to
// the problem root, and verify it exists.
func (j *Judge) locateChecker(checkerCmd, problemRoot string) ([]string, error) {
	args, err := shlex.Split(checkerCmd)
	if err != nil {
		return nil, recoverable("Checker command is malformed: %v", err)
	}
	if len(args) == 0 {
		return nil, recoverable("Checker is empty")
	}

	if !filepath.IsAbs(args[0]) {
		if path, ok := j.cfg.Exec.Checkers[args[0]]; ok {
			args[0] = path
		} else {
			args[0] = filepath.Join(problemRoot, args[0])
		}
	}
	if !isRegularFile(args[0]) {
		return nil, recoverable("Checker is not found")
	}
	return args, nil
}

// truncateComment caps the comment at maxLen characters, replacing the
// tail with a three-character ellipsis marker when it does not fit.
func truncateComment(comment string, maxLen int) string {
	runes := []rune(comment)
	if len(runes) <= maxLen {
		return comment
	}
	return string(runes[:maxLen-3]) + "..."
}

// scale multiplies a millisecond measurement, rounding half away from
// zero. Used in both directions: the limit is divided by the multiplier
// before the sandbox runs, the measurements multiplied back afterwards.
func scale(ms int64, factor float64) int64 {
	return int64(float64(ms)*factor + 0.5)
}

func seconds(ms int64) *float64 {
	s := float64(ms) / 1000
	return &s
}

func megabytes(kb int64) *float64 {
	mb := float64(kb) / 1024
	return &mb
}

// decodeText interprets child output as UTF-8, replacing invalid bytes.
func decodeText(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "�")
}

func formatTimeLimit(ms int64) string {
	if ms%1000 == 0 {
		return fmt.Sprintf("%d sec", ms/1000)
	}
	return fmt.Sprintf("%g sec", float64(ms)/1000)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// cleanDir removes every file, symlink and subdirectory at path, leaving
// the directory itself in place.
func cleanDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
