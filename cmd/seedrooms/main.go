// Command seedrooms loads a JSON snapshot of rooms into Postgres. Room
// administration lives outside the workflow server, so local development
// seeds membership directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Room mirrors the JSON snapshot structure.
type Room struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	Members   []string `json:"members"`
}

func main() {
	path := "rooms.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var roomList []Room
	if err := json.Unmarshal(data, &roomList); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(context.Background(), dsnFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	var (
		total    = len(roomList)
		inserted int
		skipped  int
		errs     int
	)

	for _, r := range roomList {
		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO rooms (id, name, created_by, members)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (id) DO NOTHING
        `,
			r.ID, r.Name, r.CreatedBy, r.Members,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting room %s: %v\n", r.ID, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	fmt.Printf(
		"Rooms seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
}

// dsnFromEnv builds the Postgres URL from the same DB_* variables the server
// reads.
func dsnFromEnv() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "satopon"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
