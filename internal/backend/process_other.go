//go:build !unix

package backend

import "os/exec"

// killProcessGroupOnCancel falls back to killing the direct child; process
// groups are not available on this platform.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
