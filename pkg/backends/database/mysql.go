package database

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

const (
	defaultMySQLPort = 3306

	mysqlUpsert = "INSERT INTO %s (name, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)"
)

// Command describes one client binary invocation.
type Command struct {
	Name  string
	Args  []string
	Env   []string
	Stdin io.Reader
}

// CommandRunner runs a client binary, streaming its stdout to stdout.
type CommandRunner func(ctx context.Context, cmd Command, stdout io.Writer) error

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, cmd Command, stdout io.Writer) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin
	c.Stdout = stdout

	var stderr bytes.Buffer
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w: %s", cmd.Name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// MySQLOptions configures the mysql engine.
type MySQLOptions struct {
	// DumpCommand and ClientCommand default to mysqldump and mysql on PATH.
	DumpCommand   string
	ClientCommand string

	// GrantHost is the host part of accounts created for new sites.
	GrantHost string

	ConnectTimeout time.Duration
	Runner         CommandRunner
}

// MySQL is the engine for mysql and mysqli descriptors.
type MySQL struct {
	opts   MySQLOptions
	logger zerolog.Logger
}

var _ engine.Database = (*MySQL)(nil)

// NewMySQL returns a mysql engine.
func NewMySQL(opts MySQLOptions, logger zerolog.Logger) *MySQL {
	if opts.DumpCommand == "" {
		opts.DumpCommand = "mysqldump"
	}
	if opts.ClientCommand == "" {
		opts.ClientCommand = "mysql"
	}
	if opts.GrantHost == "" {
		opts.GrantHost = "%"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}

	return &MySQL{
		opts:   opts,
		logger: logger.With().Str("engine", "mysql").Logger(),
	}
}

func mysqlAddr(db alias.Database) string {
	port := db.Port
	if port == 0 {
		port = defaultMySQLPort
	}
	return net.JoinHostPort(db.Host, strconv.Itoa(port))
}

// DSN returns the driver DSN for db. schema selects the default database; empty
// connects without one.
func (m *MySQL) DSN(db alias.Database, schema string) string {
	cfg := mysql.NewConfig()
	cfg.User = db.Username
	cfg.Passwd = db.Password
	cfg.Net = "tcp"
	cfg.Addr = mysqlAddr(db)
	cfg.DBName = schema
	cfg.Timeout = m.opts.ConnectTimeout
	cfg.InterpolateParams = true
	return cfg.FormatDSN()
}

func (m *MySQL) open(ctx context.Context, db alias.Database, schema string) (*sql.DB, error) {
	conn, err := sql.Open("mysql", m.DSN(db, schema))
	if err != nil {
		return nil, classifyMySQL("open", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, classifyMySQL("connect", err)
	}
	return conn, nil
}

func (m *MySQL) admin(db alias.Database, admin alias.Credentials) alias.Database {
	if admin.Username == "" {
		return db
	}
	return db.WithCredentials(admin)
}

// Exists checks information_schema as the admin account.
func (m *MySQL) Exists(ctx context.Context, db alias.Database, admin alias.Credentials) (bool, error) {
	conn, err := m.open(ctx, m.admin(db, admin), "")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var count int
	err = conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?", db.Name,
	).Scan(&count)
	if err != nil {
		return false, classifyMySQL("exists", err)
	}
	return count > 0, nil
}

// Create creates the schema and, when the site account differs from the admin,
// creates that account and grants it the schema.
func (m *MySQL) Create(ctx context.Context, db alias.Database, admin alias.Credentials) error {
	conn, err := m.open(ctx, m.admin(db, admin), "")
	if err != nil {
		return err
	}
	defer conn.Close()

	schema := quoteIdent(db.Name)
	if _, err := conn.ExecContext(ctx, "CREATE DATABASE "+schema); err != nil {
		return classifyMySQL("create database", err).WithResource(db.Name)
	}

	if admin.Username == "" || admin.Username == db.Username {
		return nil
	}

	statements := []struct {
		query string
		args  []interface{}
	}{
		{"CREATE USER IF NOT EXISTS ?@? IDENTIFIED BY ?", []interface{}{db.Username, m.opts.GrantHost, db.Password}},
		{"GRANT ALL PRIVILEGES ON " + schema + ".* TO ?@?", []interface{}{db.Username, m.opts.GrantHost}},
	}
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return classifyMySQL("grant", err).WithResource(db.Name)
		}
	}

	m.logger.Info().Str("database", db.Name).Str("user", db.Username).Msg("database created")
	return nil
}

// Drop drops the schema. A missing schema is not an error.
func (m *MySQL) Drop(ctx context.Context, db alias.Database, admin alias.Credentials) error {
	conn, err := m.open(ctx, m.admin(db, admin), "")
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(db.Name)); err != nil {
		return classifyMySQL("drop database", err).WithResource(db.Name)
	}

	m.logger.Info().Str("database", db.Name).Msg("database dropped")
	return nil
}

// clientArgs holds connection flags shared by mysqldump and mysql. The password
// travels in MYSQL_PWD so it never shows up in the process list.
func clientArgs(db alias.Database) ([]string, []string) {
	host, port, _ := net.SplitHostPort(mysqlAddr(db))
	args := []string{"--host=" + host, "--port=" + port, "--user=" + db.Username}
	return args, []string{"MYSQL_PWD=" + db.Password}
}

// Dump streams mysqldump output for db into w.
func (m *MySQL) Dump(ctx context.Context, db alias.Database, w io.Writer) error {
	args, env := clientArgs(db)
	args = append(args, "--single-transaction", "--quick", "--routines", "--skip-lock-tables", db.Name)

	m.logger.Debug().Str("database", db.Name).Msg("dumping database")
	if err := m.opts.Runner(ctx, Command{Name: m.opts.DumpCommand, Args: args, Env: env}, w); err != nil {
		return fmt.Errorf("failed to dump %s: %w", db.Name, err)
	}
	return nil
}

// Load replays a dump into db through the mysql client.
func (m *MySQL) Load(ctx context.Context, db alias.Database, r io.Reader) error {
	args, env := clientArgs(db)
	args = append(args, db.Name)

	m.logger.Debug().Str("database", db.Name).Msg("loading database")
	if err := m.opts.Runner(ctx, Command{Name: m.opts.ClientCommand, Args: args, Env: env, Stdin: r}, io.Discard); err != nil {
		return fmt.Errorf("failed to load %s: %w", db.Name, err)
	}
	return nil
}

// ReadVariables reads the named rows from {prefix}variable.
func (m *MySQL) ReadVariables(ctx context.Context, db alias.Database, names []string) (alias.Map, error) {
	conn, err := m.open(ctx, db, db.Name)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	vars, err := newVariableTable(db, mysqlUpsert).read(ctx, conn, names)
	if err != nil {
		return nil, classifyMySQL("read variables", err)
	}
	return vars, nil
}

// WriteVariables upserts vars and clears the cached variable set.
func (m *MySQL) WriteVariables(ctx context.Context, db alias.Database, vars alias.Map) error {
	conn, err := m.open(ctx, db, db.Name)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := newVariableTable(db, mysqlUpsert).write(ctx, conn, vars); err != nil {
		return classifyMySQL("write variables", err)
	}
	m.clearVariableCache(ctx, conn, db)
	return nil
}

// DeleteVariables removes the named rows.
func (m *MySQL) DeleteVariables(ctx context.Context, db alias.Database, names []string) error {
	conn, err := m.open(ctx, db, db.Name)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := newVariableTable(db, mysqlUpsert).delete(ctx, conn, names); err != nil {
		return classifyMySQL("delete variables", err)
	}
	m.clearVariableCache(ctx, conn, db)
	return nil
}

// clearVariableCache drops the bootstrap cache entry; sites without the table are fine.
func (m *MySQL) clearVariableCache(ctx context.Context, conn *sql.DB, db alias.Database) {
	query := fmt.Sprintf("DELETE FROM %s WHERE cid = 'variables'", db.Table("cache_bootstrap"))
	if _, err := conn.ExecContext(ctx, query); err != nil {
		m.logger.Debug().Err(err).Str("database", db.Name).Msg("variable cache not cleared")
	}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// MySQL server error numbers with a retry class.
const (
	errTooManyConnections = 1040
	errDBCreateExists     = 1007
	errAccessDenied       = 1045
	errDBAccessDenied     = 1044
	errLockWaitTimeout    = 1205
	errDeadlock           = 1213
)

func classifyMySQL(op string, err error) *engine.EngineError {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errTooManyConnections:
			return engine.NewThrottledError("mysql "+op+" failed", err).WithOperation(op)
		case errLockWaitTimeout, errDeadlock:
			return engine.NewConflictError("mysql "+op+" failed", err).WithOperation(op)
		case errDBCreateExists:
			return engine.NewPermanentError("mysql "+op+" failed", err).WithOperation(op).WithCode(engine.ErrCodeAlreadyExists)
		case errAccessDenied, errDBAccessDenied:
			return engine.NewPermanentError("mysql "+op+" failed", err).WithOperation(op).WithCode(engine.ErrCodePermissionDenied)
		}
		return engine.NewPermanentError("mysql "+op+" failed", err).WithOperation(op)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return engine.NewTransientError("mysql "+op+" failed", err).WithOperation(op)
	}
	return engine.NewPermanentError("mysql "+op+" failed", err).WithOperation(op)
}
