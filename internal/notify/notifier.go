package notify

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// Absolute paths to the Termux API binaries. PATH lookups trigger the
// faccessat2 syscall, which Android 10's seccomp policy blocks. PREFIX
// overrides the canonical Termux install dir.
var (
	termuxNotificationPath       string
	termuxNotificationRemovePath string
)

func init() {
	prefix := os.Getenv("PREFIX")
	if prefix == "" {
		prefix = "/data/data/com.termux/files/usr"
	}
	termuxNotificationPath = prefix + "/bin/termux-notification"
	termuxNotificationRemovePath = prefix + "/bin/termux-notification-remove"
}

const (
	statusID    = "4100"
	incentiveID = "4101"
	execTimeout = 1500 * time.Millisecond
)

// TermuxNotifier posts Android notifications through termux-notification.
//
// The driver status uses one ongoing notification updated in place. Incentives
// get their own id so they can be removed once the display window passes.
// Command failures are logged at debug level only: outside Termux the
// notifier silently degrades.
type TermuxNotifier struct {
	logger *logrus.Logger
	run    func(ctx context.Context, name string, args ...string) error
}

// NewTermuxNotifier returns a notifier using the Termux CLI.
func NewTermuxNotifier(logger *logrus.Logger) *TermuxNotifier {
	return &TermuxNotifier{
		logger: logger,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Status updates the ongoing driver status notification.
func (n *TermuxNotifier) Status(title, content string) {
	if title == "" {
		return
	}
	n.exec(termuxNotificationPath,
		"--id", statusID,
		"-t", title,
		"-c", content,
		"--priority", "low",
		"--ongoing",
	)
}

// Incentive shows the one-shot "reward earned" notification.
func (n *TermuxNotifier) Incentive(inc domain.Incentive) {
	n.exec(termuxNotificationPath,
		"--id", incentiveID,
		"-t", "Reward earned "+inc.Label(),
		"-c", "Nice charge! Your reward is on its way to your wallet.",
		"--priority", "high",
	)
}

// ClearIncentive removes the incentive notification.
func (n *TermuxNotifier) ClearIncentive() {
	n.exec(termuxNotificationRemovePath, incentiveID)
}

func (n *TermuxNotifier) exec(path string, args ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	if err := n.run(ctx, path, args...); err != nil {
		n.logger.WithError(err).WithField("cmd", path).Debug("notify: termux command failed")
	}
}
