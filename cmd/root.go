package cmd

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/relex/gotils/logger"
)

// profilingState carries the optional profiling flags shared by all
// subcommands and the files opened for them
type profilingState struct {
	CPUProfile string `name:"cpuprofile" help:"Record a CPU profile of the relay into the given file."`
	MemProfile string `name:"memprofile" help:"Dump a heap profile into the given file on exit."`
	Trace      string `help:"Record a runtime execution trace into the given file."`

	cpuProfileFile *os.File
	memProfileFile *os.File
	traceFile      *os.File
}

var rootCmd profilingState

func (cmd *profilingState) preRun() {
	if cmd.CPUProfile != "" {
		file, err := os.Create(cmd.CPUProfile)
		if err != nil {
			logger.Fatalf("failed to create CPU profile %s: %s", cmd.CPUProfile, err.Error())
		}
		logger.Infof("profiling CPU into %s", cmd.CPUProfile)
		if err := pprof.StartCPUProfile(file); err != nil {
			logger.Fatalf("failed to start CPU profiling: %s", err.Error())
		}
		cmd.cpuProfileFile = file
	}

	if cmd.MemProfile != "" {
		file, err := os.Create(cmd.MemProfile)
		if err != nil {
			logger.Fatalf("failed to create memory profile %s: %s", cmd.MemProfile, err.Error())
		}
		logger.Infof("profiling heap into %s on exit", cmd.MemProfile)
		cmd.memProfileFile = file
	}

	if cmd.Trace != "" {
		file, err := os.Create(cmd.Trace)
		if err != nil {
			logger.Fatalf("failed to create trace %s: %s", cmd.Trace, err.Error())
		}
		logger.Infof("tracing into %s", cmd.Trace)
		if err := trace.Start(file); err != nil {
			logger.Fatalf("failed to start tracing: %s", err.Error())
		}
		cmd.traceFile = file
	}
}

func (cmd *profilingState) postRun() {
	if cmd.cpuProfileFile != nil {
		pprof.StopCPUProfile()
		cmd.cpuProfileFile.Close()
	}

	if cmd.memProfileFile != nil {
		runtime.GC() // flush unreachable objects before the heap snapshot
		if err := pprof.WriteHeapProfile(cmd.memProfileFile); err != nil {
			logger.Errorf("failed to write memory profile: %s", err.Error())
		}
		cmd.memProfileFile.Close()
	}

	if cmd.traceFile != nil {
		trace.Stop()
		cmd.traceFile.Close()
	}
}
