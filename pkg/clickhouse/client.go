package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Config is the connection block for NewClient. Zero fields take the
// default tag.
type Config struct {
	Host     string `validate:"required"`
	Port     int    `default:"9000" validate:"min=1,max=65535"`
	Database string `default:"default" validate:"required"`
	User     string `default:"default"`
	Password string

	MaxOpenConns    int           `default:"10" validate:"min=1"`
	MaxIdleConns    int           `default:"5" validate:"min=0"`
	ConnMaxLifetime time.Duration `default:"5m"`
	DialTimeout     time.Duration `default:"5s"`
	ReadTimeout     time.Duration `default:"10s"`

	UseHTTP bool
	// AsyncInsert lets the server buffer run archive inserts. WaitForAsync
	// holds each insert until the buffer is flushed.
	AsyncInsert  bool
	WaitForAsync bool
	MaxExecTime  time.Duration
}

// Client is the pooled connection shared by the bar store and the run
// archive.
type Client struct {
	db       *sql.DB
	database string
}

// NewClient opens the pool and pings it within DialTimeout.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("clickhouse defaults: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("clickhouse config: %w", err)
	}

	db := ch.OpenDB(cfg.options())
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", cfg.addr(), err)
	}
	return &Client{db: db, database: cfg.Database}, nil
}

func (c *Client) DB() *sql.DB { return c.db }

func (c *Client) Database() string { return c.database }

// Table qualifies name with the client's database.
func (c *Client) Table(name string) string { return c.database + "." + name }

func (c *Client) Health(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// InitSchema runs idempotent DDL statements in order and stops at the
// first failure.
func (c *Client) InitSchema(ctx context.Context, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

func (cfg Config) addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func (cfg Config) options() *ch.Options {
	settings := ch.Settings{}
	if cfg.MaxExecTime > 0 {
		settings["max_execution_time"] = int(cfg.MaxExecTime / time.Second)
	}
	if cfg.AsyncInsert {
		settings["async_insert"] = 1
		if cfg.WaitForAsync {
			settings["wait_for_async_insert"] = 1
		}
	}
	protocol := ch.Native
	if cfg.UseHTTP {
		protocol = ch.HTTP
	}
	return &ch.Options{
		Addr:        []string{cfg.addr()},
		Protocol:    protocol,
		Auth:        ch.Auth{Database: cfg.Database, Username: cfg.User, Password: cfg.Password},
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		Settings:    settings,
	}
}
