package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentbill/agentbill-go/internal/signals"
)

const defaultSignalTimeout = 10 * time.Second

func runSignal(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("signal", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	event := flagSet.String("event", "", "Event name (required)")
	revenue := flagSet.Float64("revenue", 0, "Revenue amount attached to the event")
	dataRaw := flagSet.String("data", "", "Event data as a JSON object")
	timestampRaw := flagSet.String("timestamp", "", "Event time (RFC3339 or YYYY-MM-DD); defaults to now")
	timeout := flagSet.Duration("timeout", defaultSignalTimeout, "Request timeout")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "signal does not accept positional arguments")
		return 2
	}
	if strings.TrimSpace(*event) == "" {
		fmt.Fprintln(errOut, "--event is required")
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintln(errOut, "timeout must be > 0")
		return 2
	}

	var data map[string]any
	if strings.TrimSpace(*dataRaw) != "" {
		if err := json.Unmarshal([]byte(*dataRaw), &data); err != nil {
			fmt.Fprintf(errOut, "invalid data: expected a JSON object: %v\n", err)
			return 2
		}
	}
	timestamp, err := parseFlagTime(*timestampRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid timestamp: %v\n", err)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	client, err := signals.New(signals.Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		CustomerID: cfg.CustomerID,
		Timeout:    *timeout,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to create signal client: %v\n", err)
		return 1
	}

	signal := signals.Signal{
		EventName: strings.TrimSpace(*event),
		Revenue:   *revenue,
		Data:      data,
		Timestamp: timestamp,
	}
	if err := client.Send(context.Background(), signal); err != nil {
		fmt.Fprintf(errOut, "failed to send signal: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "signal sent: %s\n", signal.EventName)
	return 0
}
