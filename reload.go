package pocketfence

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader calls a reload function on every SIGHUP until cancelled.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc reloads configuration. Errors are logged and the current
// state is kept.
type ReloadFunc func(ctx context.Context) error

// ReloadAll returns a ReloadFunc that re-applies the settings file through
// c and reloads the keyword tables. An invalid settings file keeps the
// current settings; the keyword reload still runs.
func ReloadAll(c *Controller) ReloadFunc {
	return func(ctx context.Context) error {
		var errs []error
		if c.Settings != nil {
			s, err := c.Settings.Reload()
			if err != nil {
				errs = append(errs, err)
			} else {
				c.ApplySettings(s)
			}
		}
		if c.Keywords != nil {
			if err := c.Keywords.Load(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// WatchSIGHUP starts a goroutine that calls reload on each SIGHUP.
func WatchSIGHUP(reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	return watchSignal(reload, logger, syscall.SIGHUP)
}

func watchSignal(reload ReloadFunc, logger *slog.Logger, sig os.Signal) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sig)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received signal, reloading", "signal", sig.String())
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("reload complete")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
