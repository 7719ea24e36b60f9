package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"htlcbridge/core/events"
	"htlcbridge/core/types"
	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

var (
	// ErrDSNRequired is returned when no connection string is configured.
	ErrDSNRequired = errors.New("archive: dsn must be configured")
	// ErrUnknownDriver is returned for drivers other than sqlite or postgres.
	ErrUnknownDriver = errors.New("archive: unknown driver")
)

// Record is an archived event row. Rows are append-only.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   uint64    `gorm:"uniqueIndex;not null" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	TransferID string    `gorm:"size:66;index" json:"transferId,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	RecordedAt time.Time `gorm:"index" json:"recordedAt"`
}

// TableName pins the table name regardless of gorm naming strategy.
func (Record) TableName() string { return "htlc_events" }

// Event decodes the stored attribute set back into an event.
func (r Record) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(r.Attributes) != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("archive: decode attributes: %w", err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Filter narrows archive queries. Zero fields match everything.
type Filter struct {
	TransferID    string
	Type          string
	AfterSequence uint64
	Limit         int
}

// Archive persists every committed event so the ledger history survives
// restarts and can be audited off-line.
type Archive struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Open connects to the configured database, migrates the schema and resumes
// the sequence counter from the highest archived row.
func Open(driver, dsn string) (*Archive, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Archive, error) {
	if db == nil {
		return nil, fmt.Errorf("archive: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	var maxSeq uint64
	if err := db.Model(&Record{}).Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq).Error; err != nil {
		return nil, fmt.Errorf("archive: resume sequence: %w", err)
	}
	return &Archive{db: db, logger: slog.Default(), now: time.Now, seq: maxSeq}, nil
}

// SetLogger overrides the logger used to report failed appends from Emit.
func (a *Archive) SetLogger(l *slog.Logger) {
	if a != nil && l != nil {
		a.logger = l
	}
}

// SetNowFunc overrides the archive clock. Tests use it for deterministic rows.
func (a *Archive) SetNowFunc(now func() time.Time) {
	if a != nil && now != nil {
		a.now = now
	}
}

// Close releases the underlying connection pool.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Append failures are logged because the
// ledger has already committed by the time events are published.
func (a *Archive) Emit(evt events.Event) {
	if a == nil || evt == nil {
		return
	}
	if _, err := a.Append(context.Background(), events.Flatten(evt)); err != nil {
		a.logger.Error("archive append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append stores one event and returns the persisted row.
func (a *Archive) Append(ctx context.Context, evt *types.Event) (Record, error) {
	if a == nil || a.db == nil {
		return Record{}, fmt.Errorf("archive: not configured")
	}
	if evt == nil {
		return Record{}, fmt.Errorf("archive: nil event")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Record{}, fmt.Errorf("archive: encode attributes: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	record := Record{
		ID:         uuid.New(),
		Sequence:   a.seq + 1,
		Type:       evt.Type,
		TransferID: strings.ToLower(attrs["id"]),
		Attributes: string(encoded),
		RecordedAt: a.now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Record{}, fmt.Errorf("archive: insert: %w", err)
	}
	a.seq = record.Sequence
	return record, nil
}

// Query returns archived rows in sequence order.
func (a *Archive) Query(ctx context.Context, filter Filter) ([]Record, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive: not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	q := a.db.WithContext(ctx).Model(&Record{}).Where("sequence > ?", filter.AfterSequence)
	if id := strings.ToLower(strings.TrimSpace(filter.TransferID)); id != "" {
		q = q.Where("transfer_id = ?", id)
	}
	if typ := strings.TrimSpace(filter.Type); typ != "" {
		q = q.Where("type = ?", typ)
	}
	var records []Record
	if err := q.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	return records, nil
}

// FeeTotals aggregates the settled splits of every confirmation event per
// asset. Inbound native legs are reported under the native asset.
func (a *Archive) FeeTotals(ctx context.Context) ([]fees.Totals, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("archive: not configured")
	}
	var records []Record
	err := a.db.WithContext(ctx).Model(&Record{}).
		Where("type IN ?", []string{htlc.EventTypeTransferOutConfirmed, htlc.EventTypeTransferInConfirmed}).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("archive: query confirmations: %w", err)
	}
	totals := make(map[[20]byte]*fees.Totals)
	add := func(asset [20]byte, net, fee *big.Int) {
		entry, ok := totals[asset]
		if !ok {
			entry = &fees.Totals{Asset: asset}
			totals[asset] = entry
		}
		entry.Add(net, fee)
	}
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			return nil, err
		}
		attrs := evt.Attributes
		asset := common.HexToAddress(attrs["asset"])
		add(asset, parseAmount(attrs["net"]), parseAmount(attrs["fee"]))
		if attrs["nativeNet"] != "" || attrs["nativeFee"] != "" {
			add(htlc.NativeAsset, parseAmount(attrs["nativeNet"]), parseAmount(attrs["nativeFee"]))
		}
	}
	out := make([]fees.Totals, 0, len(totals))
	for _, entry := range totals {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(string(out[i].Asset[:]), string(out[j].Asset[:])) < 0
	})
	return out, nil
}

func parseAmount(raw string) *big.Int {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return big.NewInt(0)
	}
	return value
}
