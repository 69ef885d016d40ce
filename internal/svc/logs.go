package svc

import (
	"os"
	"os/exec"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// journalctlArgs builds the journalctl invocation for opts.
func journalctlArgs(opts LogOptions) []string {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}
	return args
}

// ViewLogs shows the service's systemd journal.
func ViewLogs(opts LogOptions) error {
	cmd := exec.Command("journalctl", journalctlArgs(opts)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
