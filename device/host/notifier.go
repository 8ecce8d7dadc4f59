package host

import (
	"log/slog"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/device/ota"
)

// Compile-time assertion that Notifier implements ota.Notifier.
var _ ota.Notifier = (*Notifier)(nil)

// Notifier reports engine notifications to the log and optional hooks.
type Notifier struct {
	// Accept decides whether a new process is started. Nil accepts all.
	Accept func(p *core.Parameters) error
	// Finished is called when a process completed.
	Finished func(id core.ProcessID)
	// Ready is called when a verified image should be taken into use.
	Ready func(id core.ProcessID, delaySeconds uint16)
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default().WithGroup("app")
	}
	return n.Logger.WithGroup("app")
}

// StartReceived asks Accept whether to start p.
func (n *Notifier) StartReceived(p *core.Parameters) error {
	if n.Accept != nil {
		if err := n.Accept(p); err != nil {
			n.logger().Info("process refused", "process", p.ProcessID, "fw", p.FwName, "reason", err)
			return err
		}
	}
	n.logger().Info("process accepted", "process", p.ProcessID, "fw", p.FwName,
		"version", p.FwVersion, "bytes", p.TotalBytes)
	return nil
}

// ProcessFinished reports a completed process.
func (n *Notifier) ProcessFinished(id core.ProcessID) {
	n.logger().Info("image verified", "process", id)
	if n.Finished != nil {
		n.Finished(id)
	}
}

// FirmwareReady reports an image ready to be taken into use.
func (n *Notifier) FirmwareReady(id core.ProcessID, delaySeconds uint16) {
	n.logger().Info("firmware update ready", "process", id, "delay", delaySeconds)
	if n.Ready != nil {
		n.Ready(id, delaySeconds)
	}
}
