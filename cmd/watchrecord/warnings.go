package main

import (
	"log"
	"time"

	"github.com/djlord-it/watchrecord/internal/config"
)

// retryWindow is the dispatcher's longest wait across all attempts.
const retryWindow = 12*time.Minute + 30*time.Second

// logConfigWarnings flags settings that are valid but lose or duplicate
// deliveries.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.RecoveryEnabled {
		log.Println("WARNING [P0]: RECOVERY_ENABLED=false; records refused by a full bus or an open circuit are never re-emitted")
	} else if cfg.RecoveryThreshold > 0 && cfg.RecoveryThreshold <= retryWindow {
		log.Printf("WARNING [P0]: RECOVERY_THRESHOLD=%s is within the retry window (%s); records still being retried will be re-emitted",
			cfg.RecoveryThreshold, retryWindow)
	}

	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; decode failures and pending records are not observable")
	}

	if cfg.EventBusEmitTimeoutStr != "" && cfg.EventBusEmitTimeout == 0 {
		log.Println("INFO: EVENTBUS_EMIT_TIMEOUT=0; a full bus leaves records to recovery immediately")
	}
}
