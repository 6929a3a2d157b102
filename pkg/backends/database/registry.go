package database

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// driverAliases maps alternate driver spellings found in site aliases.
var driverAliases = map[string]string{
	"mysqli":    "mysql",
	"pdo_mysql": "mysql",
	"sqlite3":   "sqlite",
}

// Registry resolves a descriptor's driver to its engine.
type Registry struct {
	engines map[string]engine.Database
}

var _ engine.DatabaseProvider = (*Registry)(nil)

// NewRegistry returns a registry with the mysql and sqlite engines.
func NewRegistry(mysqlOpts MySQLOptions, logger zerolog.Logger) *Registry {
	r := &Registry{engines: make(map[string]engine.Database)}
	r.Register("mysql", NewMySQL(mysqlOpts, logger))
	r.Register("sqlite", NewSQLite(logger))
	return r
}

// Register adds or replaces the engine for driver.
func (r *Registry) Register(driver string, db engine.Database) {
	r.engines[strings.ToLower(driver)] = db
}

// Engine returns the engine for driver.
func (r *Registry) Engine(driver string) (engine.Database, error) {
	name := strings.ToLower(driver)
	if canonical, ok := driverAliases[name]; ok {
		name = canonical
	}

	db, ok := r.engines[name]
	if !ok {
		return nil, engine.NewPermanentError("unsupported database driver",
			fmt.Errorf("%q (supported: %s)", driver, strings.Join(r.Drivers(), ", ")),
		).WithCode(engine.ErrCodeValidation)
	}
	return db, nil
}

// Drivers lists the registered driver names.
func (r *Registry) Drivers() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
