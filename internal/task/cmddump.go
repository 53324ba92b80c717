package task

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
)

// CmdDump runs a fixed command once per tick and captures its combined
// output into a per-run file. The command line is split on whitespace; no
// shell is involved.
type CmdDump struct {
	Cadence

	command string
	argv    []string
}

// NewCmdDump creates a command-dump diagnoser. The command is validated in
// BeforeStart so a bad configuration surfaces as a failed start rather than
// a panic mid-session.
func NewCmdDump(c Cadence, command string) *CmdDump {
	return &CmdDump{Cadence: c, command: command}
}

// ID returns the task identity.
func (d *CmdDump) ID() string { return "cmddump" }

// FileName returns the folder name hint.
func (d *CmdDump) FileName() string { return "cmddump" }

// BeforeStart validates and resolves the configured command.
func (d *CmdDump) BeforeStart(*bundle.Container) error {
	d.argv = strings.Fields(d.command)
	if len(d.argv) == 0 {
		return fmt.Errorf("cmddump: no command configured")
	}
	if _, err := exec.LookPath(d.argv[0]); err != nil {
		return fmt.Errorf("cmddump: %w", err)
	}
	return nil
}

// Execute runs the command and stores its combined output. A non-zero exit
// is still a useful capture, so the output file is written before the error
// is reported.
func (d *CmdDump) Execute(ctx context.Context, c *bundle.Container, run int) error {
	cmd := exec.CommandContext(ctx, d.argv[0], d.argv[1:]...)
	started := time.Now()
	out, runErr := cmd.CombinedOutput()
	elapsed := time.Since(started)

	writeErr := writeRunFile(c, runFileName("cmddump", run, ".txt"), func(w io.Writer) error {
		fmt.Fprintf(w, "$ %s\n", strings.Join(d.argv, " "))
		fmt.Fprintf(w, "took %v\n", elapsed)
		if runErr != nil {
			fmt.Fprintf(w, "error: %v\n", runErr)
		}
		fmt.Fprintln(w, "----")
		_, err := w.Write(out)
		return err
	})
	if writeErr != nil {
		return writeErr
	}
	if runErr != nil {
		return fmt.Errorf("cmddump: %s: %w", d.argv[0], runErr)
	}
	return nil
}

// AfterFinish is a no-op.
func (d *CmdDump) AfterFinish(*bundle.Container) error { return nil }
