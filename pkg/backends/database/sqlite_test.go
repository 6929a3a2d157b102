package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

func newSiteDB(t *testing.T, name, prefix string) alias.Database {
	t.Helper()

	db := alias.Database{
		Driver: "sqlite",
		Host:   "localhost",
		Name:   filepath.Join(t.TempDir(), name+".sqlite"),
		Prefix: prefix,
	}

	conn, err := sql.Open("sqlite", db.Name)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer conn.Close()

	schema := "CREATE TABLE " + db.Table("variable") + " (name VARCHAR(128) PRIMARY KEY, value BLOB NOT NULL)"
	if _, err := conn.Exec(schema); err != nil {
		t.Fatalf("failed to create variable table: %v", err)
	}
	return db
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	sqlite := NewSQLite(zerolog.Nop())

	db := alias.Database{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "sites", "peace.sqlite")}

	exists, err := sqlite.Exists(ctx, db, alias.Credentials{})
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v; want false", exists, err)
	}

	if err := sqlite.Create(ctx, db, alias.Credentials{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if exists, _ := sqlite.Exists(ctx, db, alias.Credentials{}); !exists {
		t.Fatal("expected database file to exist")
	}

	err = sqlite.Create(ctx, db, alias.Credentials{})
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != engine.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}

	if err := sqlite.Drop(ctx, db, alias.Credentials{}); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := os.Stat(db.Name); !os.IsNotExist(err) {
		t.Error("expected database file to be removed")
	}

	// Dropping twice is fine.
	if err := sqlite.Drop(ctx, db, alias.Credentials{}); err != nil {
		t.Errorf("second Drop failed: %v", err)
	}
}

func TestSQLiteVariables(t *testing.T) {
	ctx := context.Background()
	sqlite := NewSQLite(zerolog.Nop())
	db := newSiteDB(t, "template", "drupal_")

	vars := alias.Map{
		"site_name": alias.Scalar{V: "Template"},
		"theme_tao_settings": alias.Map{
			"logo_path": alias.Scalar{V: "files/logo.png"},
		},
	}
	if err := sqlite.WriteVariables(ctx, db, vars); err != nil {
		t.Fatalf("WriteVariables failed: %v", err)
	}

	got, err := sqlite.ReadVariables(ctx, db, []string{"site_name", "theme_tao_settings", "missing"})
	if err != nil {
		t.Fatalf("ReadVariables failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 variables, got %v", got.Keys())
	}
	if got.String("theme_tao_settings", "logo_path") != "files/logo.png" {
		t.Errorf("unexpected nested value: %v", got["theme_tao_settings"])
	}

	// Upsert replaces.
	if err := sqlite.WriteVariables(ctx, db, alias.Map{"site_name": alias.Scalar{V: "Peace"}}); err != nil {
		t.Fatalf("WriteVariables failed: %v", err)
	}
	got, _ = sqlite.ReadVariables(ctx, db, []string{"site_name"})
	if got.String("site_name") != "Peace" {
		t.Errorf("expected upserted value, got %v", got["site_name"])
	}

	if err := sqlite.DeleteVariables(ctx, db, []string{"site_name"}); err != nil {
		t.Fatalf("DeleteVariables failed: %v", err)
	}
	got, _ = sqlite.ReadVariables(ctx, db, []string{"site_name", "theme_tao_settings"})
	if _, ok := got["site_name"]; ok {
		t.Error("expected site_name to be deleted")
	}
	if _, ok := got["theme_tao_settings"]; !ok {
		t.Error("expected theme_tao_settings to survive")
	}
}

func TestSQLiteDumpLoad(t *testing.T) {
	ctx := context.Background()
	sqlite := NewSQLite(zerolog.Nop())

	source := newSiteDB(t, "template", "")
	if err := sqlite.WriteVariables(ctx, source, alias.Map{"site_name": alias.Scalar{V: "Template"}}); err != nil {
		t.Fatalf("WriteVariables failed: %v", err)
	}

	var dump bytes.Buffer
	if err := sqlite.Dump(ctx, source, &dump); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if dump.Len() == 0 {
		t.Fatal("expected a non-empty dump")
	}

	dest := alias.Database{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "peace.sqlite")}
	if err := sqlite.Create(ctx, dest, alias.Credentials{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := sqlite.Load(ctx, dest, &dump); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := sqlite.ReadVariables(ctx, dest, []string{"site_name"})
	if err != nil {
		t.Fatalf("ReadVariables failed: %v", err)
	}
	if got.String("site_name") != "Template" {
		t.Errorf("expected copied variable, got %v", got)
	}
}
