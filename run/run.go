// Package run runs the actual log relay
package run

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/defs"
)

// Run runs the relay until stopped by signals
func Run(configFile string) {
	loader, loaderErr := NewLoaderFromConfigFile(configFile, "slogrelay_")
	if loaderErr != nil {
		logger.Fatal(loaderErr)
	}

	eventBuffer, bufferErr := loader.OpenBuffer(logger.Root())
	if bufferErr != nil {
		logger.Fatal(bufferErr)
	}
	group := loader.LaunchShippers(logger.Root(), eventBuffer)

	runLogger := logger.WithField(defs.LabelComponent, "Launcher")

	// wait for shutdown signal
	{
		sigChan := make(chan os.Signal, 10)
		signal.Notify(sigChan, syscall.SIGINT)
		signal.Notify(sigChan, syscall.SIGTERM)
		s := <-sigChan
		runLogger.Infof("received %s, shutting down", s)
	}

	group.Stop(defs.BufferShutDownTimeout)
	eventBuffer.Close()
	runLogger.Info("clean exit")
}
