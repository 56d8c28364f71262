package alert

import "go.uber.org/zap"

// Dispatcher fans out events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
	log     *zap.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers nil-check).
func NewDispatcher(configs []Config, log *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{configs: configs, log: log}
}

// Dispatch sends the event to all webhooks whose Events list matches its
// disposition or risk level. Fires goroutines; never blocks the pipeline.
func (d *Dispatcher) Dispatch(event Event) {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			go func(cfg Config) {
				if err := Send(cfg, event); err != nil {
					d.log.Warn("alert delivery failed",
						zap.String("url", cfg.URL),
						zap.String("request", event.RequestID),
						zap.Error(err))
				}
			}(cfg)
		}
	}
}

func matches(events []string, event Event) bool {
	for _, e := range events {
		if e == event.Disposition || e == event.Level {
			return true
		}
	}
	return false
}
