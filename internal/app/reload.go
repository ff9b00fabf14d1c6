package app

import (
	"context"
	"strings"

	"captionrelay/internal/config"
	logx "captionrelay/pkg/logx"
)

// reloadLoop applies hot-reloadable sections of every committed config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "emotes":
			a.table.SetTable(newCfg.Emotes.Table)
			a.enricher.Purge()
		case "inbound":
			a.router.SetInboundLimit(mapInboundLimit(newCfg))
		case "stats":
			if err := a.reporter.Apply(mapReporterConfig(newCfg)); err != nil {
				a.log.Warn("invalid stats config; keeping previous", logx.Err(err))
			}
		}
	}

	a.log.Info("config reloaded", fields...)
}
