// control/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
)

// ApplyLogging sets level and formatter of log from cfg.
func ApplyLogging(log *logrus.Logger, cfg Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return api.WrapError(api.ErrCodeConfiguration, "log level", err)
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// FollowLogging re-applies logging whenever store publishes a change.
func FollowLogging(store *ConfigStore, log *logrus.Logger) {
	store.OnReload(func(old, cur Config) {
		if old.LogLevel == cur.LogLevel && old.LogFormat == cur.LogFormat {
			return
		}
		if err := ApplyLogging(log, cur); err != nil {
			log.WithError(err).Warn("logging config not applied")
			return
		}
		log.WithFields(logrus.Fields{
			"level":  cur.LogLevel,
			"format": cur.LogFormat,
		}).Info("logging reconfigured")
	})
}
