// Package trades is the append-only trade ledger.
package trades

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vadiminshakov/sniper/internal/domain"
)

// DefaultLimit is used when a non-positive limit is requested.
const DefaultLimit = 100

// tradeRecord is the stored form of domain.Trade. Amounts are kept as decimal strings.
type tradeRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	Timestamp   time.Time `gorm:"index"`
	Token       string    `gorm:"size:42;index"`
	Pool        string    `gorm:"size:42"`
	BaseAmount  string
	TokenAmount string
	TxHash      string `gorm:"size:66"`
	Direction   string `gorm:"size:4;index"`
}

func (tradeRecord) TableName() string { return "trades" }

func toRecord(t *domain.Trade) tradeRecord {
	rec := tradeRecord{
		Timestamp:  t.Timestamp.UTC(),
		Token:      t.Token.Hex(),
		BaseAmount: t.BaseAmount.String(),
		TxHash:     t.TxHash.Hex(),
		Direction:  t.Direction.String(),
	}
	if t.Pool != (common.Address{}) {
		rec.Pool = t.Pool.Hex()
	}
	if t.TokenAmount != nil {
		rec.TokenAmount = t.TokenAmount.String()
	}
	return rec
}

func (r tradeRecord) toDomain() (domain.Trade, error) {
	dir, err := domain.ParseDirection(r.Direction)
	if err != nil {
		return domain.Trade{}, err
	}
	amount, err := decimal.NewFromString(r.BaseAmount)
	if err != nil {
		return domain.Trade{}, errors.Wrapf(err, "trade %d amount", r.ID)
	}

	t := domain.Trade{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		Token:      common.HexToAddress(r.Token),
		BaseAmount: amount,
		TxHash:     common.HexToHash(r.TxHash),
		Direction:  dir,
	}
	if r.Pool != "" {
		t.Pool = common.HexToAddress(r.Pool)
	}
	if r.TokenAmount != "" {
		if v, ok := new(big.Int).SetString(r.TokenAmount, 10); ok {
			t.TokenAmount = v
		}
	}
	return t, nil
}

// Ledger stores executed trades.
type Ledger struct {
	db *gorm.DB
}

// Open connects to dsn. A postgres:// URL selects PostgreSQL, anything else is a SQLite file path.
func Open(dsn string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres ledger")
		}
		log.Info("trade ledger connected", zap.String("driver", "postgres"))
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(err, "create ledger directory")
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite ledger")
		}
		log.Info("trade ledger opened", zap.String("driver", "sqlite"), zap.String("path", dsn))
	}

	if err := db.AutoMigrate(&tradeRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate trades table")
	}

	return &Ledger{db: db}, nil
}

// InsertTrade appends t and sets its ID.
func (l *Ledger) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if t == nil {
		return errors.New("trade is nil")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	rec := toRecord(t)
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrapf(err, "insert %s trade %s", t.Direction, t.TxHash.Hex())
	}
	t.ID = rec.ID
	return nil
}

// Trades returns up to limit trades, newest first, optionally filtered by direction.
func (l *Ledger) Trades(ctx context.Context, limit int, dir *domain.Direction) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := l.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if dir != nil {
		q = q.Where("direction = ?", dir.String())
	}

	var records []tradeRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "query trades")
	}

	out := make([]domain.Trade, 0, len(records))
	for _, r := range records {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
