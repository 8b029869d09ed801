package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Exporter materialises the day's audit rows as CSV and Parquet report files
// under a date-keyed directory.
type Exporter struct {
	store     *Store
	outputDir string
	logger    *slog.Logger
}

// Report summarises one export run.
type Report struct {
	Day        time.Time
	Dir        string
	Operations int
	Requests   int
	Files      []string
}

// NewExporter builds an exporter writing under outputDir.
func NewExporter(store *Store, outputDir string, logger *slog.Logger) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("audit: exporter requires a store")
	}
	if outputDir == "" {
		return nil, errors.New("audit: exporter requires an output directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, outputDir: outputDir, logger: logger}, nil
}

// Export writes the report files for the UTC day containing the supplied
// instant. Empty row sets produce no files.
func (e *Exporter) Export(day time.Time) (*Report, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	operations, err := e.store.OperationsBetween(start, end)
	if err != nil {
		return nil, err
	}
	requests, err := e.store.RequestsBetween(start, end)
	if err != nil {
		return nil, err
	}

	report := &Report{Day: start, Operations: len(operations), Requests: len(requests)}
	if len(operations) == 0 && len(requests) == 0 {
		return report, nil
	}

	dayDir := filepath.Join(e.outputDir, start.Format("20060102"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure report dir: %w", err)
	}
	report.Dir = dayDir

	if len(operations) > 0 {
		csvPath := filepath.Join(dayDir, "operations.csv")
		if err := writeOperationsCSV(csvPath, operations); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(dayDir, "operations.parquet")
		if err := writeOperationsParquet(parquetPath, operations); err != nil {
			return nil, err
		}
		report.Files = append(report.Files, csvPath, parquetPath)
		e.logger.Info("audit report written", "path", csvPath, "rows", len(operations))
	}
	if len(requests) > 0 {
		csvPath := filepath.Join(dayDir, "requests.csv")
		if err := writeRequestsCSV(csvPath, requests); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(dayDir, "requests.parquet")
		if err := writeRequestsParquet(parquetPath, requests); err != nil {
			return nil, err
		}
		report.Files = append(report.Files, csvPath, parquetPath)
		e.logger.Info("audit report written", "path", csvPath, "rows", len(requests))
	}
	return report, nil
}

func writeOperationsCSV(path string, rows []Operation) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"sequence", "vault", "operator", "operation_id", "value_before", "value_after",
		"loss", "cumulative_loss", "period_id", "completed_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			row.Vault,
			row.Operator,
			row.OperationID,
			row.ValueBefore,
			row.ValueAfter,
			row.Loss,
			row.CumulativeLoss,
			strconv.FormatUint(row.PeriodID, 10),
			row.CompletedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

func writeRequestsCSV(path string, rows []Request) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"sequence", "vault", "request_id", "owner", "kind", "gross", "fee", "net",
		"shares", "executed_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			row.Vault,
			row.RequestID,
			row.Owner,
			row.Kind,
			row.Gross,
			row.Fee,
			row.Net,
			row.Shares,
			row.ExecutedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type operationParquetRow struct {
	Sequence       int64  `parquet:"name=sequence, type=INT64"`
	Vault          string `parquet:"name=vault, type=BYTE_ARRAY, convertedtype=UTF8"`
	Operator       string `parquet:"name=operator, type=BYTE_ARRAY, convertedtype=UTF8"`
	OperationID    string `parquet:"name=operation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ValueBefore    string `parquet:"name=value_before, type=BYTE_ARRAY, convertedtype=UTF8"`
	ValueAfter     string `parquet:"name=value_after, type=BYTE_ARRAY, convertedtype=UTF8"`
	Loss           string `parquet:"name=loss, type=BYTE_ARRAY, convertedtype=UTF8"`
	CumulativeLoss string `parquet:"name=cumulative_loss, type=BYTE_ARRAY, convertedtype=UTF8"`
	PeriodID       int64  `parquet:"name=period_id, type=INT64"`
	CompletedAt    string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type requestParquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Vault      string `parquet:"name=vault, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestID  string `parquet:"name=request_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner      string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gross      string `parquet:"name=gross, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee        string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Net        string `parquet:"name=net, type=BYTE_ARRAY, convertedtype=UTF8"`
	Shares     string `parquet:"name=shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExecutedAt string `parquet:"name=executed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeOperationsParquet(path string, rows []Operation) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(operationParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &operationParquetRow{
			Sequence:       int64(row.Sequence),
			Vault:          row.Vault,
			Operator:       row.Operator,
			OperationID:    row.OperationID,
			ValueBefore:    row.ValueBefore,
			ValueAfter:     row.ValueAfter,
			Loss:           row.Loss,
			CumulativeLoss: row.CumulativeLoss,
			PeriodID:       int64(row.PeriodID),
			CompletedAt:    row.CompletedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func writeRequestsParquet(path string, rows []Request) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(requestParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &requestParquetRow{
			Sequence:   int64(row.Sequence),
			Vault:      row.Vault,
			RequestID:  row.RequestID,
			Owner:      row.Owner,
			Kind:       row.Kind,
			Gross:      row.Gross,
			Fee:        row.Fee,
			Net:        row.Net,
			Shares:     row.Shares,
			ExecutedAt: row.ExecutedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

// SchedulerConfig configures the nightly export scheduler.
type SchedulerConfig struct {
	Exporter  *Exporter
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler exports the previous day's rows on a fixed daily cadence.
type Scheduler struct {
	exporter  *Exporter
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		exporter:  cfg.Exporter,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.exporter == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			day := next.Add(-24 * time.Hour)
			if _, err := s.exporter.Export(day); err != nil {
				s.logger.Error("audit export failed", "day", day.Format("2006-01-02"), "error", err)
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
