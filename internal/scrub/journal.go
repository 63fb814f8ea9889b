package scrub

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// followJournal streams the scrub units' journal to stdout so an
// interactive run shows output from service-managed jobs. It blocks
// until ctx is cancelled or journalctl exits; failure to follow is
// never fatal.
func followJournal(ctx context.Context, unitTemplate string) {
	pattern := fmt.Sprintf(unitTemplate, "*")
	pattern = strings.TrimSuffix(pattern, ".service")

	cmd := exec.CommandContext(ctx, "journalctl",
		"--no-pager", "-q", "-S", "now", "-f", "-u", pattern, "-o", "cat")
	cmd.Stdout = os.Stdout
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		slog.DebugContext(ctx, "journal following unavailable", "error", err)
	}
}
