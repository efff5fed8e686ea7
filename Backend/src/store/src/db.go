package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openDB(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  newGormLogger(log.Logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
		// duplicados -> gorm.ErrDuplicatedKey
		TranslateError: true,
	}

	switch cfg.DBDriver {
	case "mysql":
		dsn, err := mysqlDSN(cfg.DBDSN, cfg.DBLockTimeout)
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(mysql.Open(dsn), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "open mysql")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxOpenConns / 2)
		sqlDB.SetConnMaxIdleTime(2 * time.Minute)
		return db, nil

	case "sqlite":
		return openSQLite(cfg.DBDSN, gcfg)
	}
	return nil, errors.Errorf("unsupported db driver %q", cfg.DBDriver)
}

// mysqlDSN fuerza parseTime y un tope de espera por bloqueo de fila.
// Si el tope se alcanza la unidad de trabajo falla como error de infraestructura.
func mysqlDSN(raw string, lockTimeout time.Duration) (string, error) {
	mc, err := mysqldrv.ParseDSN(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	// RowsAffected cuenta filas encontradas, no solo modificadas
	mc.ClientFoundRows = true
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if _, ok := mc.Params["innodb_lock_wait_timeout"]; !ok && lockTimeout > 0 {
		secs := int(lockTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		mc.Params["innodb_lock_wait_timeout"] = fmt.Sprint(secs)
	}
	return mc.FormatDSN(), nil
}

// SQLite no tiene bloqueo por fila: una sola conexión serializa las unidades de trabajo.
func openSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&User{},
		&Address{},
		&Book{},
		&CartLine{},
		&Order{},
		&OrderLine{},
	)
	return errors.Wrap(err, "migrate")
}

// seed inicial opcional (para pruebas y demo)
func seed(ctx context.Context, db *gorm.DB) (bool, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&Book{}).Count(&n).Error; err != nil {
		return false, errors.Wrap(err, "count books")
	}
	if n > 0 {
		return false, nil
	}
	books := []Book{
		{Title: "Cien años de soledad", Author: "Gabriel García Márquez", PriceCents: 4500, Quantity: 10},
		{Title: "The Go Programming Language", Author: "Alan Donovan, Brian Kernighan", PriceCents: 3999, Quantity: 5},
		{Title: "Ficciones", Author: "Jorge Luis Borges", PriceCents: 2500, Quantity: 0},
		{Title: "Designing Data-Intensive Applications", Author: "Martin Kleppmann", PriceCents: 5200, Quantity: 20},
		{Title: "La vorágine", Author: "José Eustasio Rivera", PriceCents: 1800, Quantity: 1},
	}
	if err := db.WithContext(ctx).Create(&books).Error; err != nil {
		return false, errors.Wrap(err, "seed books")
	}
	return true, nil
}

// SQL de gorm por zerolog
type gormLogger struct {
	zl            zerolog.Logger
	slowThreshold time.Duration
}

func newGormLogger(zl zerolog.Logger) gormlogger.Interface {
	return &gormLogger{zl: zl.With().Str("component", "gorm").Logger(), slowThreshold: 200 * time.Millisecond}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	nl := *l
	switch level {
	case gormlogger.Silent:
		nl.zl = l.zl.Level(zerolog.Disabled)
	case gormlogger.Error:
		nl.zl = l.zl.Level(zerolog.ErrorLevel)
	case gormlogger.Warn:
		nl.zl = l.zl.Level(zerolog.WarnLevel)
	case gormlogger.Info:
		nl.zl = l.zl.Level(zerolog.DebugLevel)
	}
	return &nl
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.zl.Info().Msgf(msg, args...)
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.zl.Warn().Msgf(msg, args...)
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.zl.Error().Msgf(msg, args...)
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.zl.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case elapsed > l.slowThreshold:
		sql, rows := fc()
		l.zl.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	default:
		if e := l.zl.Debug(); e.Enabled() {
			sql, rows := fc()
			e.Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
		}
	}
}
