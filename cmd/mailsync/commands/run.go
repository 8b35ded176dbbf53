package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/sync"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync poller",
	Long: `Sync every active account now and then on every interval until
interrupted. SIGHUP starts an immediate round.`,
	RunE: runPoller,
}

func runPoller(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var server *metrics.Server
	if a.cfg.Metrics.Addr != "" {
		server = metrics.NewServer(a.cfg.Metrics.Addr, func() any {
			return statusViews(a.poller.Statuses())
		})
		go func() {
			if err := server.Start(); err != nil {
				a.log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				a.log.Info("Received SIGHUP, starting sync round")
				a.poller.Trigger()
				continue
			}
			a.log.Info("Received signal, shutting down...", "signal", sig)
			cancel()
			return
		}
	}()

	a.log.Info("Poller started",
		"interval", a.cfg.Sync.Interval(), "workers", a.cfg.Sync.Workers,
		"metrics", a.cfg.Metrics.Addr)

	_ = a.poller.Run(ctx)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			a.log.Error("Error during shutdown", "error", err)
		}
	}

	return nil
}

// statusView is the JSON shape of a sync status.
type statusView struct {
	AccountID string      `json:"account_id"`
	Email     string      `json:"email"`
	State     string      `json:"state"`
	LastSync  time.Time   `json:"last_sync,omitzero"`
	Error     string      `json:"error,omitempty"`
	Result    sync.Result `json:"result"`
}

func statusViews(statuses []sync.SyncStatus) []statusView {
	views := make([]statusView, 0, len(statuses))
	for _, s := range statuses {
		v := statusView{
			AccountID: s.AccountID,
			Email:     s.Email,
			State:     s.State.String(),
			LastSync:  s.LastSync,
			Result:    s.Result,
		}
		if s.Error != nil {
			v.Error = s.Error.Error()
		}
		views = append(views, v)
	}
	return views
}
