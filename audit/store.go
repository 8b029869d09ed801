package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"coffer/core"
	"coffer/core/events"
)

// Operation is one completed custody operation as reported by the event
// stream. Amounts are decimal strings in micro-USD.
type Operation struct {
	ID             uint      `gorm:"primaryKey"`
	Sequence       uint64    `gorm:"uniqueIndex"`
	Vault          string    `gorm:"index;size:64"`
	Operator       string    `gorm:"size:64"`
	OperationID    string    `gorm:"index;size:66"`
	ValueBefore    string    `gorm:"size:80"`
	ValueAfter     string    `gorm:"size:80"`
	Loss           string    `gorm:"size:80"`
	CumulativeLoss string    `gorm:"size:80"`
	PeriodID       uint64
	CompletedAt    time.Time `gorm:"index"`
}

// Request is one executed deposit or withdrawal. Amounts are decimal strings
// in the vault's principal denomination.
type Request struct {
	ID         uint      `gorm:"primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex"`
	Vault      string    `gorm:"index;size:64"`
	RequestID  string    `gorm:"index;size:64"`
	Owner      string    `gorm:"size:64"`
	Kind       string    `gorm:"index;size:16"`
	Gross      string    `gorm:"size:80"`
	Fee        string    `gorm:"size:80"`
	Net        string    `gorm:"size:80"`
	Shares     string    `gorm:"size:80"`
	ExecutedAt time.Time `gorm:"index"`
}

// AutoMigrate performs the schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Operation{}, &Request{})
}

// Store consumes the sequenced event stream and keeps a durable ledger of
// completed operations and executed requests. Writes are advisory: a failure
// is logged and never blocks publication.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens or creates the sqlite-backed store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("audit: store path required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already-open database.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Record implements core.EventSink. Only the durable lifecycle events are
// persisted; everything else passes through untouched.
func (s *Store) Record(update core.EventUpdate) {
	if s == nil || s.db == nil || update.Event == nil {
		return
	}
	var err error
	switch update.Event.Type {
	case events.TypeOperationCompleted:
		err = s.recordOperation(update)
	case events.TypeDepositExecuted:
		err = s.recordRequest(update, "deposit")
	case events.TypeWithdrawExecuted:
		err = s.recordRequest(update, "withdraw")
	}
	if err != nil {
		s.logger.Error("audit write failed",
			"type", update.Event.Type,
			"sequence", update.Sequence,
			"error", err)
	}
}

func (s *Store) recordOperation(update core.EventUpdate) error {
	attrs := update.Event.Attributes
	periodID, err := strconv.ParseUint(attrs["periodId"], 10, 64)
	if err != nil {
		return fmt.Errorf("parse periodId: %w", err)
	}
	row := &Operation{
		Sequence:       update.Sequence,
		Vault:          attrs["vault"],
		Operator:       attrs["operator"],
		OperationID:    attrs["operationId"],
		ValueBefore:    attrs["valueBefore"],
		ValueAfter:     attrs["valueAfter"],
		Loss:           attrs["loss"],
		CumulativeLoss: attrs["cumulativeLoss"],
		PeriodID:       periodID,
		CompletedAt:    time.Unix(update.Timestamp, 0).UTC(),
	}
	return s.db.Create(row).Error
}

func (s *Store) recordRequest(update core.EventUpdate, kind string) error {
	attrs := update.Event.Attributes
	row := &Request{
		Sequence:   update.Sequence,
		Vault:      attrs["vault"],
		RequestID:  attrs["requestId"],
		Owner:      attrs["owner"],
		Kind:       kind,
		Gross:      attrs["gross"],
		Fee:        attrs["fee"],
		Net:        attrs["net"],
		Shares:     attrs["shares"],
		ExecutedAt: time.Unix(update.Timestamp, 0).UTC(),
	}
	return s.db.Create(row).Error
}

// OperationsBetween lists operations completed in [start, end) in stream
// order.
func (s *Store) OperationsBetween(start, end time.Time) ([]Operation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit: store not configured")
	}
	var rows []Operation
	err := s.db.
		Where("completed_at >= ? AND completed_at < ?", start, end).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit: load operations: %w", err)
	}
	return rows, nil
}

// RequestsBetween lists requests executed in [start, end) in stream order.
func (s *Store) RequestsBetween(start, end time.Time) ([]Request, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit: store not configured")
	}
	var rows []Request
	err := s.db.
		Where("executed_at >= ? AND executed_at < ?", start, end).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit: load requests: %w", err)
	}
	return rows, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
