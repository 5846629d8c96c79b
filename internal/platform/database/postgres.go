package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"catchment_api/internal/platform/config"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

var DB *sql.DB

func Connect() {
	var err error
	DB, err = sql.Open("pgx", config.AppConfig.DBConnStr)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err = DB.Ping(); err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}

	fmt.Println("Successfully connected to PostgreSQL database!")
}

// EnsureSchema creates the tables this service owns if they do not exist yet.
// Users are provisioned by the account service; the table is created here only
// so a fresh development database works out of the box.
func EnsureSchema() {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			token_limit INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS csv_files (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			file_content BYTEA,
			username TEXT,
			user_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			total_rows INTEGER,
			successful_rows INTEGER,
			failed_rows INTEGER,
			processing_started_at TIMESTAMPTZ,
			processing_completed_at TIMESTAMPTZ,
			processing_duration_seconds INTEGER,
			download_count INTEGER NOT NULL DEFAULT 0,
			first_downloaded_at TIMESTAMPTZ,
			last_downloaded_at TIMESTAMPTZ,
			api_calls_made INTEGER,
			tokens_consumed INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_csv_files_user_id ON csv_files (user_id)`,
	}
	for _, stmt := range statements {
		if _, err := DB.Exec(stmt); err != nil {
			log.Fatalf("Error ensuring schema: %v", err)
		}
	}
	fmt.Println("Database schema ensured.")
}

func Close() {
	if DB != nil {
		DB.Close()
		fmt.Println("Database connection closed.")
	}
}
