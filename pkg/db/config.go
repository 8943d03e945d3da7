package db

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Config describes one database connection. Postgres is the production
// store; sqlite backs local runs and tests.
type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

var (
	ErrInvalidType = errors.New("invalid_database_type")
	ErrMissingHost = errors.New("invalid_database_host")
)

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TypePostgres, TypeMySQL:
		if strings.TrimSpace(c.Host) == "" {
			return ErrMissingHost
		}
		return nil
	case TypeSQLite:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, c.Type)
	}
}

// dsn never appears in logs; it carries the password.
func (c Config) dsn() string {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case TypePostgres:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port, sslMode)
	default:
		if c.Name == "" {
			return "keepr.db"
		}
		return c.Name
	}
}
