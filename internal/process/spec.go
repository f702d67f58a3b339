package process

import (
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/servisor/internal/logger"
)

// Spec describes how to launch one service process.
type Spec struct {
	Name string `json:"name"`
	// Command is a full command line; Script is a program path run with Args.
	// When both are set Script wins.
	Command     string   `json:"command,omitempty"`
	Script      string   `json:"script,omitempty"`
	Args        []string `json:"args,omitempty"`
	UsePython   bool     `json:"use_python,omitempty"`
	CondaEnv    string   `json:"conda_env,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`
	Env         []string `json:"env,omitempty"`
	// Background detaches the process into its own session so it outlives
	// the supervisor.
	Background bool          `json:"background"`
	PIDFile    string        `json:"pid_file,omitempty"`
	Log        logger.Config `json:"log"`
}

const shellMeta = "|&;<>*?`$\"'(){}[]~"

var errNoCommand = errors.New("no command or script")

// Validate checks the fields needed to build a command.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(s.Script) == "" && strings.TrimSpace(s.Command) == "" {
		return errNoCommand
	}
	return nil
}

// interpreter returns the program that runs Script, if any.
func (s Spec) interpreter() string {
	if s.Interpreter != "" {
		return s.Interpreter
	}
	if !s.UsePython {
		return ""
	}
	if s.CondaEnv != "" {
		return filepath.Join(s.CondaEnv, "bin", "python")
	}
	return "python3"
}

// PathDirs lists directories to prepend to PATH for this service.
func (s Spec) PathDirs() []string {
	if s.CondaEnv == "" {
		return nil
	}
	return []string{filepath.Join(s.CondaEnv, "bin")}
}

// Argv resolves the program and its arguments.
func (s Spec) Argv() (string, []string, error) {
	target := strings.TrimSpace(s.Script)
	if target == "" {
		target = strings.TrimSpace(s.Command)
	}
	if target == "" {
		return "", nil, errNoCommand
	}
	if interp := s.interpreter(); interp != "" {
		return interp, append([]string{target}, s.Args...), nil
	}
	if len(s.Args) == 0 {
		if script, ok := explicitShell(target); ok {
			return "/bin/sh", []string{"-c", script}, nil
		}
		if strings.ContainsAny(target, shellMeta) {
			return "/bin/sh", []string{"-c", target}, nil
		}
	}
	fields := strings.Fields(target)
	return fields[0], append(fields[1:], s.Args...), nil
}

// BuildCommand returns an unstarted command for the spec.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	prog, args, err := s.Argv()
	if err != nil {
		return nil, err
	}
	// #nosec G204 -- commands come from operator configuration
	cmd := exec.Command(prog, args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd, nil
}

// explicitShell recognises "sh -c <script>" so it is not wrapped twice.
// One pair of surrounding quotes is stripped from the script.
func explicitShell(cmd string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		rest, ok := strings.CutPrefix(cmd, p)
		if !ok {
			continue
		}
		if n := len(rest); n >= 2 && (rest[0] == '\'' || rest[0] == '"') && rest[n-1] == rest[0] {
			rest = rest[1 : n-1]
		}
		return rest, true
	}
	return "", false
}
