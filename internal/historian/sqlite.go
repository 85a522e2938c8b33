package historian

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// Pure-Go driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

// Record is a row of the records table.
type Record struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Datetime int64  `gorm:"column:datetime;not null;index"`
	Data     []Data `gorm:"foreignKey:RecordID;constraint:OnDelete:CASCADE"`
}

func (Record) TableName() string { return "records" }

// Data is a row of the data table.
type Data struct {
	DataID    int64   `gorm:"column:data_id;primaryKey;autoIncrement"`
	ChannelID int     `gorm:"column:channel_id;not null"`
	DeviceID  int     `gorm:"column:device_id;not null;index"`
	Value     float64 `gorm:"column:value;not null"`
	RecordID  int64   `gorm:"column:record_id;not null;index"`
}

func (Data) TableName() string { return "data" }

// SQLiteStore is a Store on a local sqlite file through gorm.
type SQLiteStore struct {
	ORM *gorm.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}, &Data{}); err != nil {
		_ = closeORM(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{ORM: db}, nil
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, b Batch) (int64, error) {
	rec := Record{Datetime: b.Time.Unix(), Data: make([]Data, 0, len(b.Values))}
	for _, v := range b.Values {
		rec.Data = append(rec.Data, Data{ChannelID: v.ChannelID, DeviceID: v.DeviceID, Value: v.Value})
	}
	err := s.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
	if err != nil {
		return 0, fmt.Errorf("save batch: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Batch, error) {
	tx := s.ORM.WithContext(ctx).Model(&Record{})
	if !q.From.IsZero() {
		tx = tx.Where("datetime >= ?", q.From.Unix())
	}
	if !q.To.IsZero() {
		tx = tx.Where("datetime <= ?", q.To.Unix())
	}
	tx = tx.Preload("Data", func(db *gorm.DB) *gorm.DB {
		if q.DeviceID != nil {
			db = db.Where("device_id = ?", *q.DeviceID)
		}
		return db.Order("data_id")
	})
	var recs []Record
	if err := tx.Order("datetime, id").Limit(limit(q.Limit)).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	out := make([]Batch, 0, len(recs))
	for _, r := range recs {
		b := Batch{RecordID: r.ID, Time: time.Unix(r.Datetime, 0).UTC(), Values: make([]Value, 0, len(r.Data))}
		for _, d := range r.Data {
			b.Values = append(b.Values, Value{DeviceID: d.DeviceID, ChannelID: d.ChannelID, Value: d.Value})
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return closeORM(s.ORM) }

func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
