package channel

import (
	"context"
	"fmt"
	"os/exec"
)

// DesktopNotifier delivers results as desktop notifications via notify-send.
type DesktopNotifier struct {
	bin string
}

var _ Handler = (*DesktopNotifier)(nil)

func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{bin: "notify-send"}
}

func (n *DesktopNotifier) Name() string { return Desktop }

// Available reports whether the notifier binary is on PATH.
func (n *DesktopNotifier) Available() bool {
	_, err := exec.LookPath(n.bin)
	return err == nil
}

func (n *DesktopNotifier) Deliver(ctx context.Context, d Delivery) error {
	title := d.JobName
	if title == "" {
		title = "routinely"
	}
	cmd := exec.CommandContext(ctx, n.bin, title, d.Response)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notify-send: %w", err)
	}
	return nil
}
