package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentbill/agentbill-go/internal/config"
	"github.com/agentbill/agentbill-go/internal/ledger"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Ledger        reportLedgerInfo  `json:"ledger"`
	Filters       reportFilterInfo  `json:"filters"`
	Summary       reportSummaryInfo `json:"summary"`
	Usage         []ledger.UsageRow `json:"usage"`
	Recent        []reportCallInfo  `json:"recent_calls"`
}

type reportLedgerInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	Provider   string     `json:"provider,omitempty"`
	Model      string     `json:"model,omitempty"`
	CustomerID string     `json:"customer_id,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Limit      int        `json:"limit"`
}

type reportSummaryInfo struct {
	TotalCalls            int64  `json:"total_calls"`
	TotalErrors           int64  `json:"total_errors"`
	TotalPromptTokens     int64  `json:"total_prompt_tokens"`
	TotalCompletionTokens int64  `json:"total_completion_tokens"`
	TotalTokens           int64  `json:"total_tokens"`
	TopModel              string `json:"top_model,omitempty"`
}

type reportCallInfo struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	SpanName    string    `json:"span_name"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	ErrorType   string    `json:"error_type,omitempty"`
	TotalTokens int64     `json:"total_tokens"`
	HasUsage    bool      `json:"has_usage"`
	LatencyMS   int64     `json:"latency_ms"`
	TraceID     string    `json:"trace_id"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	provider := flagSet.String("provider", "", "Provider filter")
	model := flagSet.String("model", "", "Model filter")
	customerID := flagSet.String("customer", "", "Customer id filter")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent call count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	from, err := parseFlagTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseFlagTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
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

	store, err := openLedgerStore(cfg.Ledger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open ledger: %v\n", err)
		return 1
	}
	defer closeLedgerStoreWithWarning(store, errOut)

	filter := ledger.Filter{
		Provider:   strings.TrimSpace(*provider),
		Model:      strings.TrimSpace(*model),
		CustomerID: strings.TrimSpace(*customerID),
		From:       from,
		To:         to,
		Limit:      *limit,
	}
	report, err := buildReport(context.Background(), store, cfg.Ledger, filter)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func buildReport(ctx context.Context, store ledger.Store, cfg config.LedgerConfig, filter ledger.Filter) (reportDocument, error) {
	var (
		usage  []ledger.UsageRow
		recent []*ledger.Record
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		usage, err = store.UsageSummary(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = store.QueryRecords(gctx, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return reportDocument{}, err
	}
	if usage == nil {
		usage = []ledger.UsageRow{}
	}

	summary := reportSummaryInfo{}
	topModelCalls := int64(0)
	for _, row := range usage {
		summary.TotalCalls += row.Calls
		summary.TotalErrors += row.Errors
		summary.TotalPromptTokens += row.PromptTokens
		summary.TotalCompletionTokens += row.CompletionTokens
		summary.TotalTokens += row.TotalTokens
		if row.Calls > topModelCalls || (row.Calls == topModelCalls && row.Model < summary.TopModel) {
			topModelCalls = row.Calls
			summary.TopModel = row.Model
		}
	}

	recentRows := make([]reportCallInfo, 0, len(recent))
	for _, record := range recent {
		if record == nil {
			continue
		}
		recentRows = append(recentRows, reportCallInfo{
			ID:          record.ID,
			StartedAt:   record.StartedAt,
			SpanName:    record.SpanName,
			Provider:    record.Provider,
			Model:       record.Model,
			Status:      record.Status,
			ErrorType:   record.ErrorType,
			TotalTokens: record.TotalTokens,
			HasUsage:    record.HasUsage,
			LatencyMS:   record.LatencyMS,
			TraceID:     record.TraceID,
		})
	}

	ledgerPath := ""
	if strings.TrimSpace(cfg.Driver) == config.LedgerDriverSQLite {
		ledgerPath = cfg.Path
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Ledger: reportLedgerInfo{
			Driver: cfg.Driver,
			Path:   ledgerPath,
		},
		Filters: reportFilterInfo{
			Provider:   filter.Provider,
			Model:      filter.Model,
			CustomerID: filter.CustomerID,
			From:       reportOptionalTime(filter.From),
			To:         reportOptionalTime(filter.To),
			Limit:      filter.Limit,
		},
		Summary: summary,
		Usage:   usage,
		Recent:  recentRows,
	}, nil
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		return writeReportJSON(out, report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportJSON(out io.Writer, report reportDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "AgentBill Usage Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Ledger driver\t%s\n", report.Ledger.Driver)
	if strings.TrimSpace(report.Ledger.Path) != "" {
		fmt.Fprintf(metadataWriter, "Ledger path\t%s\n", report.Ledger.Path)
	}
	fmt.Fprintf(metadataWriter, "Filter provider\t%s\n", valueOr(report.Filters.Provider, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter model\t%s\n", valueOr(report.Filters.Model, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter customer\t%s\n", valueOr(report.Filters.CustomerID, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter from\t%s\n", timePtrOr(report.Filters.From, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter to\t%s\n", timePtrOr(report.Filters.To, "(all)"))
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSummary")
	summaryWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summaryWriter, "Total calls\t%d\n", report.Summary.TotalCalls)
	fmt.Fprintf(summaryWriter, "Failed calls\t%d\n", report.Summary.TotalErrors)
	fmt.Fprintf(summaryWriter, "Prompt tokens\t%d\n", report.Summary.TotalPromptTokens)
	fmt.Fprintf(summaryWriter, "Completion tokens\t%d\n", report.Summary.TotalCompletionTokens)
	fmt.Fprintf(summaryWriter, "Total tokens\t%d\n", report.Summary.TotalTokens)
	fmt.Fprintf(summaryWriter, "Top model\t%s\n", valueOr(report.Summary.TopModel, "(none)"))
	if err := summaryWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nUsage")
	if len(report.Usage) == 0 {
		fmt.Fprintln(out, "(no usage recorded)")
	} else {
		usageWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(usageWriter, "PROVIDER\tMODEL\tCALLS\tERRORS\tPROMPT_TOKENS\tCOMPLETION_TOKENS\tTOTAL_TOKENS\tAVG_LATENCY_MS")
		for _, row := range report.Usage {
			fmt.Fprintf(
				usageWriter,
				"%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.2f\n",
				valueOr(row.Provider, "(unknown)"),
				valueOr(row.Model, "(unknown)"),
				row.Calls,
				row.Errors,
				row.PromptTokens,
				row.CompletionTokens,
				row.TotalTokens,
				row.AvgLatencyMS,
			)
		}
		if err := usageWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nRecent Calls")
	if len(report.Recent) == 0 {
		fmt.Fprintln(out, "(no calls)")
		return nil
	}
	callWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(callWriter, "STARTED_AT\tSPAN\tMODEL\tSTATUS\tTOTAL_TOKENS\tLATENCY_MS\tTRACE_ID")
	for _, row := range report.Recent {
		tokens := "-"
		if row.HasUsage {
			tokens = fmt.Sprintf("%d", row.TotalTokens)
		}
		fmt.Fprintf(
			callWriter,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			row.StartedAt.UTC().Format(time.RFC3339),
			row.SpanName,
			valueOr(row.Model, "(unknown)"),
			row.Status,
			tokens,
			row.LatencyMS,
			row.TraceID,
		)
	}
	return callWriter.Flush()
}

func reportOptionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
