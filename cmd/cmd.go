// Package cmd provides the list of slog-relay commands
package cmd

import (
	"github.com/relex/gotils/config"
)

func init() {
	config.AddParentCmdWithArgs("", "slog-relay buffers log records from producers and ships them to the indexing sink", &rootCmd, rootCmd.preRun, rootCmd.postRun)
	config.AddCmdWithArgs("run ...", "Run relay", &runCmd, runCmd.run)
	config.AddCmdWithArgs("send ...", "Read JSON log records from stdin and enqueue them into the buffer", &sendCmd, sendCmd.run)
}

// Execute parses the command line and runs the specified command
func Execute() {
	// trigger init

	config.Execute()
}
