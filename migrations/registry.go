// Package migrations exposes the embedded bridge schema per SQL dialect and
// registers it with a migration runner.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	bridge "github.com/goliatone/go-helpdesk-bridge"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootDir    = "data/sql/migrations"
	sqliteDir  = "sqlite"
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Source is the migration set for one dialect.
type Source struct {
	Dialect string
	Dir     string
	FS      fs.FS
}

// Versions lists the migration names in apply order, without suffixes.
func (s Source) Versions() ([]string, error) {
	if s.FS == nil {
		return nil, fmt.Errorf("migrations: %s source has no filesystem", s.Dialect)
	}
	ups, err := fs.Glob(s.FS, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", s.Dir, err)
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		versions = append(versions, strings.TrimSuffix(up, upSuffix))
	}
	sort.Strings(versions)
	return versions, nil
}

// check requires at least one migration and a rollback for each.
func (s Source) check() error {
	versions, err := s.Versions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("migrations: %s has no *%s files", s.Dir, upSuffix)
	}
	for _, version := range versions {
		if _, err := fs.Stat(s.FS, version+downSuffix); err != nil {
			return fmt.Errorf("migrations: %s/%s has no rollback: %w", s.Dir, version, err)
		}
	}
	return nil
}

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("migrations: no dialect for driver %q", driver)
}

// Sources splits a migration tree into its dialects. Without an argument the
// embedded bridge schema is used. Postgres files sit at the root of the tree
// and the sqlite variants in a sqlite/ subdirectory.
func Sources(tree ...fs.FS) ([]Source, error) {
	root := bridge.GetMigrationsFS()
	if len(tree) > 0 && tree[0] != nil {
		root = tree[0]
	}
	base, dir, err := locate(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, sqliteDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite migrations: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Dir: dir, FS: base},
		{Dialect: DialectSQLite, Dir: joinDir(dir, sqliteDir), FS: sqliteFS},
	}
	for _, source := range sources {
		if err := source.check(); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

// SourceFor returns the embedded migrations for one dialect.
func SourceFor(dialect string) (Source, error) {
	sources, err := Sources()
	if err != nil {
		return Source{}, err
	}
	for _, source := range sources {
		if source.Dialect == dialect {
			return source, nil
		}
	}
	return Source{}, fmt.Errorf("migrations: unknown dialect %q", dialect)
}

type RegisterFunc func(ctx context.Context, source Source) error

type registration struct {
	dialects []string
	tree     fs.FS
}

type Option func(*registration)

// ForDialects limits registration to the given dialects.
func ForDialects(dialects ...string) Option {
	return func(r *registration) {
		for _, dialect := range dialects {
			dialect = strings.ToLower(strings.TrimSpace(dialect))
			if dialect != "" {
				r.dialects = append(r.dialects, dialect)
			}
		}
	}
}

// FromTree registers a different migration tree than the embedded one.
func FromTree(tree fs.FS) Option {
	return func(r *registration) {
		if tree != nil {
			r.tree = tree
		}
	}
}

// Register hands each selected dialect's migrations to fn and returns the
// sources it registered.
func Register(ctx context.Context, fn RegisterFunc, opts ...Option) ([]Source, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	reg := registration{}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	sources, err := Sources(reg.tree)
	if err != nil {
		return nil, err
	}

	registered := make([]Source, 0, len(sources))
	for _, source := range sources {
		if len(reg.dialects) > 0 && !contains(reg.dialects, source.Dialect) {
			continue
		}
		if err := fn(ctx, source); err != nil {
			return registered, fmt.Errorf("migrations: register %s: %w", source.Dialect, err)
		}
		registered = append(registered, source)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no migrations for dialects %v", reg.dialects)
	}
	return registered, nil
}

func locate(root fs.FS) (fs.FS, string, error) {
	if sub, err := fs.Sub(root, rootDir); err == nil {
		if _, statErr := fs.Stat(sub, "."); statErr == nil {
			if matches, _ := fs.Glob(sub, "*"+upSuffix); len(matches) > 0 {
				return sub, rootDir, nil
			}
		}
	}
	if matches, _ := fs.Glob(root, "*"+upSuffix); len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", rootDir)
}

func joinDir(base, child string) string {
	if base == "." {
		return child
	}
	return strings.TrimSuffix(base, "/") + "/" + child
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
