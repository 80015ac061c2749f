package backend

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// cleanTmpDir is a dedicated TMPDIR for agent invocations. Editor socket
// files in the shared temp dir crash the claude CLI when --settings is used.
var cleanTmpDir = filepath.Join(os.TempDir(), "ralph-agent")

// setCleanEnv copies the current environment and points TMPDIR at cleanTmpDir.
func setCleanEnv(cmd *exec.Cmd) {
	_ = os.MkdirAll(cleanTmpDir, 0755)

	env := os.Environ()
	found := false
	for i, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			env[i] = "TMPDIR=" + cleanTmpDir
			found = true
			break
		}
	}
	if !found {
		env = append(env, "TMPDIR="+cleanTmpDir)
	}
	cmd.Env = env
}
