package database

import (
	"database/sql"
	"reflect"
	"testing"

	"github.com/holdfast-hq/holdfast/internal/config"
)

// TestMigrate verifies that all migrations apply cleanly and produce the booking schema
func TestMigrate(t *testing.T) {
	tests := []struct {
		name   string
		driver string
	}{
		{
			name:   "SQLite",
			driver: "sqlite",
		},
		{
			name:   "PostgreSQL",
			driver: "postgres",
		},
	}

	tables := []string{
		"users",
		"meeting_types",
		"availability_rules",
		"blackout_dates",
		"slot_holds",
		"bookings",
		"documents",
		"processed_webhooks",
		"schema_migrations",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Skip postgres test if not available
			if tt.driver == "postgres" && !isPostgresAvailable() {
				t.Skip("PostgreSQL not available")
			}

			db, cleanup := setupTestDB(t, tt.driver)
			defer cleanup()

			for _, table := range tables {
				var name string
				var query string
				if tt.driver == "sqlite" {
					query = "SELECT name FROM sqlite_master WHERE type='table' AND name=?"
				} else {
					query = "SELECT table_name FROM information_schema.tables WHERE table_schema='public' AND table_name=$1"
				}

				if err := db.QueryRow(query, table).Scan(&name); err != nil {
					t.Fatalf("table %s should exist after migration: %v", table, err)
				}
			}

			// Walk the foreign key chain to verify the schema accepts a full booking
			var userID, meetingTypeID, holdID string
			if tt.driver == "sqlite" {
				userID = "test-user-001"
				meetingTypeID = "test-mt-001"
				holdID = "test-hold-001"
				_, err := db.Exec(`INSERT INTO users (id, email, name, timezone) VALUES (?, ?, ?, ?)`,
					userID, "host@example.com", "Test Host", "America/New_York")
				if err != nil {
					t.Fatalf("failed to create test user: %v", err)
				}
				_, err = db.Exec(`INSERT INTO meeting_types (id, user_id, slug, name, duration_minutes) VALUES (?, ?, ?, ?, ?)`,
					meetingTypeID, userID, "intro-call", "Intro Call", 30)
				if err != nil {
					t.Fatalf("failed to create test meeting type: %v", err)
				}
				_, err = db.Exec(`INSERT INTO slot_holds (id, meeting_type_id, slot_start, slot_end, guest_email, expires_at, idempotency_key)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
					holdID, meetingTypeID, "2026-09-01T13:00:00Z", "2026-09-01T13:30:00Z", "guest@example.com", "2026-09-01T12:15:00Z", "hold-key-001")
				if err != nil {
					t.Fatalf("failed to create test hold: %v", err)
				}
				_, err = db.Exec(`INSERT INTO bookings (id, meeting_type_id, user_id, hold_id, slot_start, slot_end, guest_email, idempotency_key)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					"test-booking-001", meetingTypeID, userID, holdID, "2026-09-01T13:00:00Z", "2026-09-01T13:30:00Z", "guest@example.com", "booking-key-001")
				if err != nil {
					t.Fatalf("failed to create test booking: %v", err)
				}
			} else {
				err := db.QueryRow(`INSERT INTO users (email, name, timezone) VALUES ($1, $2, $3) RETURNING id`,
					"host@example.com", "Test Host", "America/New_York").Scan(&userID)
				if err != nil {
					t.Fatalf("failed to create test user: %v", err)
				}
				err = db.QueryRow(`INSERT INTO meeting_types (user_id, slug, name, duration_minutes) VALUES ($1, $2, $3, $4) RETURNING id`,
					userID, "intro-call", "Intro Call", 30).Scan(&meetingTypeID)
				if err != nil {
					t.Fatalf("failed to create test meeting type: %v", err)
				}
				err = db.QueryRow(`INSERT INTO slot_holds (meeting_type_id, slot_start, slot_end, guest_email, expires_at, idempotency_key)
					VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
					meetingTypeID, "2026-09-01T13:00:00Z", "2026-09-01T13:30:00Z", "guest@example.com", "2026-09-01T12:15:00Z", "hold-key-001").Scan(&holdID)
				if err != nil {
					t.Fatalf("failed to create test hold: %v", err)
				}
				_, err = db.Exec(`INSERT INTO bookings (meeting_type_id, user_id, hold_id, slot_start, slot_end, guest_email, idempotency_key)
					VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					meetingTypeID, userID, holdID, "2026-09-01T13:00:00Z", "2026-09-01T13:30:00Z", "guest@example.com", "booking-key-001")
				if err != nil {
					t.Fatalf("failed to create test booking: %v", err)
				}
			}

			// Hold status values are constrained by the schema
			var badStatus string
			var execErr error
			if tt.driver == "sqlite" {
				_, execErr = db.Exec(`INSERT INTO slot_holds (id, meeting_type_id, slot_start, slot_end, guest_email, status, expires_at, idempotency_key)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					"test-hold-002", meetingTypeID, "2026-09-01T14:00:00Z", "2026-09-01T14:30:00Z", "guest@example.com", "frozen", "2026-09-01T13:15:00Z", "hold-key-002")
			} else {
				execErr = db.QueryRow(`INSERT INTO slot_holds (meeting_type_id, slot_start, slot_end, guest_email, status, expires_at, idempotency_key)
					VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
					meetingTypeID, "2026-09-01T14:00:00Z", "2026-09-01T14:30:00Z", "guest@example.com", "frozen", "2026-09-01T13:15:00Z", "hold-key-002").Scan(&badStatus)
			}
			if execErr == nil {
				t.Error("expected CHECK constraint to reject unknown hold status 'frozen'")
			}
		})
	}
}

// TestMigrateIdempotent verifies that re-running migrations on an up-to-date database is a no-op
func TestMigrateIdempotent(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver:         "sqlite",
		Name:           ":memory:",
		MigrationsPath: "../../migrations",
	}

	db, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, cfg); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	var before int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&before); err != nil {
		t.Fatalf("failed to count applied migrations: %v", err)
	}
	if before == 0 {
		t.Fatal("expected at least one applied migration")
	}

	if err := Migrate(db, cfg); err != nil {
		t.Fatalf("second migration run should be a no-op: %v", err)
	}

	var after int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&after); err != nil {
		t.Fatalf("failed to count applied migrations: %v", err)
	}
	if after != before {
		t.Errorf("expected %d applied migrations after re-run, got %d", before, after)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "Multiple statements",
			content: "CREATE TABLE a (id TEXT);\nCREATE INDEX idx_a ON a(id);",
			want:    []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX idx_a ON a(id)"},
		},
		{
			name:    "Semicolon inside string literal",
			content: "INSERT INTO notes (body) VALUES ('first; second');",
			want:    []string{"INSERT INTO notes (body) VALUES ('first; second')"},
		},
		{
			name:    "Trailing statement without semicolon",
			content: "CREATE TABLE a (id TEXT);\nCREATE TABLE b (id TEXT)",
			want:    []string{"CREATE TABLE a (id TEXT)", "CREATE TABLE b (id TEXT)"},
		},
		{
			name:    "Whitespace between statements dropped",
			content: "CREATE TABLE a (id TEXT);\n\n  ;\n\nCREATE TABLE b (id TEXT);\n",
			want:    []string{"CREATE TABLE a (id TEXT)", "CREATE TABLE b (id TEXT)"},
		},
		{
			name:    "Quoted default with function call",
			content: "CREATE TABLE a (created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')));",
			want:    []string{"CREATE TABLE a (created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')))"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSQLStatements(tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// setupTestDB creates a test database with all migrations applied
func setupTestDB(t *testing.T, driver string) (*sql.DB, func()) {
	t.Helper()

	var cfg config.DatabaseConfig
	if driver == "sqlite" {
		cfg = config.DatabaseConfig{
			Driver:         "sqlite",
			Name:           ":memory:",
			MigrationsPath: "../../migrations",
		}
	} else {
		cfg = config.DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Password:       "postgres",
			Name:           "holdfast_test",
			MigrationsPath: "../../migrations",
		}
	}

	db, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// Run migrations
	if err := Migrate(db, cfg); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

// isPostgresAvailable checks if PostgreSQL is available for testing
func isPostgresAvailable() bool {
	cfg := config.DatabaseConfig{
		Driver:   "postgres",
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Name:     "postgres",
	}

	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return false
	}

	return true
}
