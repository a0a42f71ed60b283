// Seeder bootstraps a Tollgate database: it applies the initial schema,
// lays down the current and next ledger partitions, and seeds a demo
// organization for local development.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/tollgate-dev/tollgate/internal/partition"
)

func main() {
	_ = godotenv.Load()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatal("POSTGRES_URL not set")
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed: ", err)
	}
	fmt.Println("Connected to DB")

	fmt.Println("Running migrations...")
	migrationFile, err := os.ReadFile("migrations/001_initial_schema.up.sql")
	if err != nil {
		// Running from cmd/seeder instead of the repo root.
		migrationFile, err = os.ReadFile("../../migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("Could not find migration file: ", err)
		}
	}

	// lib/pq supports multiple statements in a single Exec.
	if _, err := db.Exec(string(migrationFile)); err != nil {
		log.Printf("Migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	// The daily maintenance job only creates next month's partition ahead
	// of rollover; bootstrap needs the current one too.
	fmt.Println("Creating ledger partitions...")
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	maintainer := partition.New(db, 90*24*time.Hour, 12, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for _, month := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := maintainer.EnsureFor(ctx, month); err != nil {
			log.Fatal("Partition creation failed: ", err)
		}
	}
	fmt.Println("Partitions ready")

	fmt.Println("Seeding demo organization...")
	_, err = db.Exec(`
		INSERT INTO organization_billing (
			organization_id, shadow_balance, billing_state
		) VALUES ('org_demo', 1000, 'trial')
		ON CONFLICT (organization_id) DO NOTHING
	`)
	if err != nil {
		log.Fatal("Seed failed: ", err)
	}

	_, err = db.Exec(`
		INSERT INTO compute_sessions (id, organization_id, status, started_at)
		VALUES ('sess_demo', 'org_demo', 'running', NOW())
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		log.Fatal("Seed failed: ", err)
	}

	fmt.Println("Seeding complete")
}
