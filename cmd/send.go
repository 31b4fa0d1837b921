package cmd

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/producer"
	"github.com/relex/slog-relay/run"
)

type sendCommandState struct {
	Config string `help:"Configuration file path, only the buffer section is used"`
	Stream string `help:"Target stream ID"`
}

var sendCmd = sendCommandState{
	Config: "config.yml",
	Stream: "default",
}

type inputLine struct {
	Timestamp string         `json:"timestamp"`
	Severity  string         `json:"severity"`
	Fields    map[string]any `json:"fields"`
}

// run enqueues JSON log records from stdin, one object per line, e.g.
// {"severity": "info", "fields": {"log": "hello"}}
func (cmd *sendCommandState) run(args []string) {
	loader, loaderErr := run.NewLoaderFromConfigFile(cmd.Config, "slogrelay_send_")
	if loaderErr != nil {
		logger.Fatal(loaderErr)
	}
	eventBuffer, bufferErr := loader.OpenBuffer(logger.Root())
	if bufferErr != nil {
		logger.Fatal(bufferErr)
	}
	defer eventBuffer.Close()

	client, perr := producer.NewProducer(logger.Root(), producer.Config{StreamID: cmd.Stream},
		eventBuffer, loader.MetricFactory)
	if perr != nil {
		logger.Fatal(perr)
	}
	defer client.Close()

	sent := 0
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		line := inputLine{}
		if jerr := json.Unmarshal(text, &line); jerr != nil {
			logger.Errorf("skip invalid line: %s", jerr.Error())
			continue
		}
		record := base.LogRecord{Fields: line.Fields}
		if len(line.Severity) > 0 {
			severity, serr := base.ParseSeverity(line.Severity)
			if serr != nil {
				logger.Errorf("skip invalid line: %s", serr.Error())
				continue
			}
			record.Severity = severity
		}
		if len(line.Timestamp) > 0 {
			timestamp, terr := time.Parse(time.RFC3339Nano, line.Timestamp)
			if terr != nil {
				logger.Errorf("skip invalid line: %s", terr.Error())
				continue
			}
			record.Timestamp = timestamp
		}
		if _, eerr := client.Emit(record); eerr != nil {
			logger.Errorf("failed to enqueue: %s", eerr.Error())
			continue
		}
		sent++
	}
	if serr := scanner.Err(); serr != nil {
		logger.Fatalf("error reading stdin: %s", serr.Error())
	}
	logger.Infof("enqueued %d records to stream '%s'", sent, cmd.Stream)
}
