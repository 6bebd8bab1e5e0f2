package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds the MySQL connection settings. DSN wins over the parts.
type Config struct {
	DSN  string
	Host string
	Port string
	User string
	Pass string
	Name string
}

// Open connects and migrates the given models.
func Open(cfg Config, models ...interface{}) (*gorm.DB, error) {
	db, err := openMySQL(cfg)
	if err != nil {
		return nil, err
	}
	return Migrate(db, models...)
}

// Migrate runs AutoMigrate for models on an already opened connection.
func Migrate(db *gorm.DB, models ...interface{}) (*gorm.DB, error) {
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func openMySQL(cfg Config) (*gorm.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.Name)
	}
	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") || cfg.DSN != "" {
			return nil, err
		}
		if cerr := createDatabase(cfg); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if db, err = gorm.Open(mysql.Open(dsn), gormConfig()); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	return db, nil
}

func createDatabase(cfg Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", cfg.User, cfg.Pass, cfg.Host, cfg.Port)
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", cfg.Name))
	return err
}
