package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.locsim.dev/locsim/internal/core"
)

// watchConfig watches the config file and applies timing changes (poll
// interval, warm-up, grace period) to the running supervisor and manager.
// Helper resolution and journal settings still require an agent restart.
func (a *Agent) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		// Config file may not exist yet - that's fine, defaults apply
		slog.Debug("Not watching config file", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMu sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-a.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// Editors using atomic writes replace the file, dropping the
				// watch - re-add it after rename/remove/create
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func() {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
							}
							watcher.Remove(configPath)
							if err := watcher.Add(configPath); err == nil {
								return
							}
						}
					}()
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMu.Lock()
				// Debounce: wait for the editor to finish writing
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, a.reloadTimings)
				reloadMu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}

func (a *Agent) reloadTimings() {
	cfg, err := core.LoadConfig(core.Config.ConfigPath)
	if err != nil {
		slog.Error("Config reload failed, keeping previous settings", "error", err)
		return
	}

	a.supervisor.SetTimings(cfg.Tunnel.PollInterval, cfg.Tunnel.PollAttempts)
	a.manager.SetTimings(cfg.Simulation.WarmUp, cfg.Simulation.GracePeriod)
	core.Config = cfg

	slog.Info("Configuration reloaded",
		"poll_interval", cfg.Tunnel.PollInterval,
		"poll_attempts", cfg.Tunnel.PollAttempts,
		"warm_up", cfg.Simulation.WarmUp,
		"grace_period", cfg.Simulation.GracePeriod)
}
