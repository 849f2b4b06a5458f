package silas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const verifyOutputMax = 1000

// runChecks executes every verification check in a dedicated sandbox and
// reports pass iff all checks passed. Items without checks pass trivially.
func (e *Executor) runChecks(ctx context.Context, item *WorkItem) ([]CheckResult, bool) {
	if len(item.Checks) == 0 {
		return nil, true
	}
	if e.verifier == nil {
		return []CheckResult{{Name: "verifier", Passed: false, Detail: "no verification sandbox configured"}}, false
	}

	results := make([]CheckResult, 0, len(item.Checks))
	passed := true
	for _, check := range item.Checks {
		res := e.runCheck(ctx, check)
		if !res.Passed {
			passed = false
		}
		results = append(results, res)
	}
	return results, passed
}

func (e *Executor) runCheck(ctx context.Context, check VerificationCheck) CheckResult {
	// file_exists never runs a command; it resolves strictly inside the
	// allowlist.
	if check.Expect.FileExists != nil {
		return e.checkFileExists(check)
	}

	timeout := check.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	// Checks run through the sandbox's argv path, same as the shell
	// executor. The sandbox rejects shell interpreters with -c, so the
	// command text is split here instead of handed to a shell.
	argv := SplitCommand(check.Run)
	if len(argv) == 0 {
		return CheckResult{Name: check.Name, Passed: false, Detail: "empty check command"}
	}
	res, err := e.verifier.Exec(ctx, ExecSpec{
		Argv:           argv,
		Dir:            e.verifyDir,
		TimeoutSeconds: timeout,
		Network:        check.Network,
	})
	if err != nil {
		return CheckResult{Name: check.Name, Passed: false, Detail: "check failed to run: " + err.Error()}
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	output = truncateStr(output, verifyOutputMax)

	if res.TimedOut {
		return CheckResult{Name: check.Name, Passed: false, Detail: fmt.Sprintf("timed out after %ds", timeout), Output: output}
	}
	return evaluateExpectation(check, res.ExitCode, output)
}

// evaluateExpectation applies the check's single predicate to the exit
// code and the merged, truncated output.
func evaluateExpectation(check VerificationCheck, exitCode int, output string) CheckResult {
	res := CheckResult{Name: check.Name, Output: output}
	exp := check.Expect
	trimmed := strings.TrimSpace(output)

	switch {
	case exp.ExitCode != nil:
		res.Passed = exitCode == *exp.ExitCode
		if !res.Passed {
			res.Detail = fmt.Sprintf("exit code %d, expected %d", exitCode, *exp.ExitCode)
		}
	case exp.Equals != nil:
		res.Passed = trimmed == *exp.Equals
		if !res.Passed {
			res.Detail = fmt.Sprintf("output %q != %q", truncateStr(trimmed, 100), *exp.Equals)
		}
	case exp.Contains != nil:
		res.Passed = strings.Contains(output, *exp.Contains)
		if !res.Passed {
			res.Detail = fmt.Sprintf("output does not contain %q", *exp.Contains)
		}
	case exp.Regex != nil:
		re, err := regexp.Compile(*exp.Regex)
		if err != nil {
			res.Detail = "invalid regex: " + err.Error()
			break
		}
		res.Passed = re.MatchString(output)
		if !res.Passed {
			res.Detail = fmt.Sprintf("output does not match %q", *exp.Regex)
		}
	case exp.OutputLT != nil:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			res.Detail = fmt.Sprintf("output %q is not numeric", truncateStr(trimmed, 50))
			break
		}
		res.Passed = f < *exp.OutputLT
		if !res.Passed {
			res.Detail = fmt.Sprintf("%v is not < %v", f, *exp.OutputLT)
		}
	case exp.OutputGT != nil:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			res.Detail = fmt.Sprintf("output %q is not numeric", truncateStr(trimmed, 50))
			break
		}
		res.Passed = f > *exp.OutputGT
		if !res.Passed {
			res.Detail = fmt.Sprintf("%v is not > %v", f, *exp.OutputGT)
		}
	case exp.NotEmpty != nil:
		res.Passed = (trimmed != "") == *exp.NotEmpty
		if !res.Passed {
			res.Detail = "output emptiness mismatch"
		}
	default:
		res.Detail = "check has no expectation"
	}
	return res
}

// checkFileExists resolves the target path inside the allowlist and
// reports whether it exists. Paths with ".." segments, and absolute
// paths outside every allowed directory, are rejected outright.
func (e *Executor) checkFileExists(check VerificationCheck) CheckResult {
	target := *check.Expect.FileExists
	res := CheckResult{Name: check.Name}

	resolved, err := e.resolveAllowlisted(target)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if _, statErr := os.Stat(resolved); statErr != nil {
		res.Detail = "file does not exist: " + target
		return res
	}
	res.Passed = true
	return res
}

// resolveAllowlisted maps a check path onto the verify directory (or an
// extra allowed directory for absolute paths) and rejects escapes.
func (e *Executor) resolveAllowlisted(target string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(target), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q contains '..'", target)
		}
	}

	if filepath.IsAbs(target) {
		clean := filepath.Clean(target)
		for _, dir := range e.allowedDirs {
			if dir != "" && strings.HasPrefix(clean, filepath.Clean(dir)+string(filepath.Separator)) {
				return clean, nil
			}
		}
		return "", fmt.Errorf("path %q outside allowed directories", target)
	}
	if e.verifyDir == "" {
		return "", fmt.Errorf("no verify directory configured")
	}
	return filepath.Join(e.verifyDir, target), nil
}
