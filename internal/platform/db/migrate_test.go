package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_appointments.sql": {Data: []byte("CREATE TABLE vaccine_appointment (id UUID);")},
		"001_catalog.sql":      {Data: []byte("CREATE TABLE vaccine_product (code TEXT);")},
		"010_history.sql":      {Data: []byte("CREATE TABLE vaccine_dose (id UUID);")},
		"README.md":            {Data: []byte("not a migration")},
		"notes.sql":            {Data: []byte("-- no numeric prefix")},
		"abc_bad.sql":          {Data: []byte("-- non numeric prefix")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_catalog.sql" {
		t.Errorf("expected name 001_catalog.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE vaccine_product (code TEXT);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate migration version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_catalog.sql"},
		{Version: 2, Name: "002_history.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	p := pending(migrations, applied)
	if len(p) != 1 || p[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", p)
	}

	statuses := statusOf(migrations, applied)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected version 2 pending, got %+v", statuses[1])
	}
}

func TestSchemaPattern(t *testing.T) {
	valid := []string{"public", "tenant_default", "_vax"}
	for _, s := range valid {
		if !schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	invalid := []string{"", "1abc", "a;DROP TABLE x", "has space"}
	for _, s := range invalid {
		if schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}
