package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	appconfig "chat-protocol-gateway/internal/config"
)

// DatabaseConfig 选择 GORM 方言：sqlite（默认，文件位于日志目录）或 postgres
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// GORMStorage 基于GORM的日志存储实现
type GORMStorage struct {
	db            *gorm.DB
	driver        string
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// OpenDatabase 按配置打开数据库连接并完成 sqlite 的性能参数设置
func OpenDatabase(logDir string, cfg DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch cfg.Driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		return db, nil
	case "", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	dsn := cfg.DSN
	if dsn == "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		dsn = filepath.Join(logDir, appconfig.Default.Database.FileName) + "?_journal_mode=WAL&_timeout=5000&_busy_timeout=5000"
	}

	// modernc.org/sqlite 注册的驱动名为 "sqlite"
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite 单写者，限制连接数避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = %d", appconfig.Default.Database.CacheSize),
		"PRAGMA temp_store = memory",
		fmt.Sprintf("PRAGMA mmap_size = %d", appconfig.Default.Database.MmapSize),
		fmt.Sprintf("PRAGMA busy_timeout = %d", appconfig.Default.Database.BusyTimeout),
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			fmt.Printf("Warning: Failed to set pragma %s: %v\n", pragma, err)
		}
	}

	return db, nil
}

// NewGORMStorage 创建一个新的基于GORM的日志存储
func NewGORMStorage(logDir string, cfg DatabaseConfig) (*GORMStorage, error) {
	db, err := OpenDatabase(logDir, cfg)
	if err != nil {
		return nil, err
	}
	return newGORMStorageWithDB(db, cfg.Driver)
}

func newGORMStorageWithDB(db *gorm.DB, driver string) (*GORMStorage, error) {
	if err := db.AutoMigrate(&GormRequestLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	storage := &GORMStorage{
		db:          db,
		driver:      driver,
		stopCleanup: make(chan struct{}),
	}
	storage.startBackgroundCleanup()
	return storage, nil
}

// SaveLog 保存日志条目到数据库
// 静默失败，不阻塞主流程
func (g *GORMStorage) SaveLog(log *RequestLog) {
	gormLog := ConvertToGormRequestLog(log)

	maxRetries := appconfig.Default.Database.MaxRetries
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := g.db.Create(gormLog).Error
		if err == nil {
			return
		}

		if strings.Contains(err.Error(), "database is locked") ||
			strings.Contains(err.Error(), "SQLITE_BUSY") {
			if attempt < maxRetries-1 {
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
		}

		fmt.Printf("Failed to save log to database: %v\n", err)
		return
	}
}

// GetLogs 获取日志列表，支持分页和过滤
func (g *GORMStorage) GetLogs(limit, offset int, failedOnly bool) ([]*RequestLog, int, error) {
	var gormLogs []GormRequestLog
	var total int64

	query := g.db.Model(&GormRequestLog{})
	if failedOnly {
		query = query.Where("status_code >= ? OR error != ?", 400, "")
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to get total count: %w", err)
	}

	err := query.Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&gormLogs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query logs: %w", err)
	}

	logs := make([]*RequestLog, len(gormLogs))
	for i := range gormLogs {
		logs[i] = ConvertFromGormRequestLog(&gormLogs[i])
	}
	return logs, int(total), nil
}

// GetAllLogsByRequestID 获取指定request_id的所有日志条目
func (g *GORMStorage) GetAllLogsByRequestID(requestID string) ([]*RequestLog, error) {
	var gormLogs []GormRequestLog

	err := g.db.Where("request_id = ?", requestID).
		Order("timestamp ASC").
		Find(&gormLogs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query logs by request ID: %w", err)
	}

	logs := make([]*RequestLog, len(gormLogs))
	for i := range gormLogs {
		logs[i] = ConvertFromGormRequestLog(&gormLogs[i])
	}
	return logs, nil
}

// CleanupLogsByDays 清理指定天数之前的日志，days<=0 清空全部
func (g *GORMStorage) CleanupLogsByDays(days int) (int64, error) {
	var result *gorm.DB
	if days > 0 {
		cutoffTime := time.Now().AddDate(0, 0, -days)
		result = g.db.Where("timestamp < ?", cutoffTime).Delete(&GormRequestLog{})
	} else {
		result = g.db.Where("1 = 1").Delete(&GormRequestLog{})
	}
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup logs: %w", result.Error)
	}

	if result.RowsAffected > 0 && g.driver != "postgres" {
		if err := g.db.Exec("VACUUM").Error; err != nil {
			fmt.Printf("Failed to vacuum database: %v\n", err)
		}
	}
	return result.RowsAffected, nil
}

func (g *GORMStorage) DB() *gorm.DB {
	return g.db
}

// Close 关闭数据库连接和清理程序
func (g *GORMStorage) Close() error {
	if g.cleanupTicker != nil {
		g.cleanupTicker.Stop()
	}
	select {
	case g.stopCleanup <- struct{}{}:
	default:
	}

	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GORMStorage) startBackgroundCleanup() {
	g.cleanupTicker = time.NewTicker(24 * time.Hour)

	go func() {
		for {
			select {
			case <-g.cleanupTicker.C:
				deleted, err := g.CleanupLogsByDays(appconfig.Default.Database.RetainDays)
				if err != nil {
					fmt.Printf("Background cleanup error: %v\n", err)
				} else if deleted > 0 {
					fmt.Printf("Background cleanup: deleted %d old log entries\n", deleted)
				}
			case <-g.stopCleanup:
				return
			}
		}
	}()
}
