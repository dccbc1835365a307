package helpers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// SetupLogger is responsible for building up a basic logrus FieldLogger
// instance with a specific log level and fields configuration.
func SetupLogger(logLevelStr string, useDefaultFormatter bool, fields log.Fields) (log.FieldLogger, error) {
	logLevel, err := log.ParseLevel(logLevelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}

	logger := log.WithFields(fields)
	logger.Logger.SetLevel(logLevel)
	if useDefaultFormatter {
		logger.Logger.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "01-02-2006 15:04:05",
		})
	}
	logger.Debugf("Setting the log level to %s", logLevel.String())

	return logger, nil
}

// SetupSignals returns a context that is cancelled on the first SIGINT or
// SIGTERM.
func SetupSignals(logger log.FieldLogger) context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		logger.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}
