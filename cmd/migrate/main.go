package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"haulledger.org/internal/migrate"
	"haulledger.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var (
		dsn     = flag.String("dsn", os.Getenv("HAUL_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or HAUL_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr, err := migrate.NewManager(db, migrations.Schema(), migrations.Seeds())
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		var n int
		if n, err = mgr.Up(ctx); err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		var n int
		if n, err = mgr.Seed(ctx); err == nil {
			fmt.Printf("applied %d seed file(s)\n", n)
		}
	case "status":
		var rows []migrate.Status
		if rows, err = mgr.Status(ctx); err == nil {
			printStatus(rows)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func printStatus(rows []migrate.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, r := range rows {
		state, at := "pending", "-"
		if r.Applied {
			state, at = "applied", r.AppliedAt.Format(time.RFC3339)
		}
		if r.Drifted {
			state = "drifted"
		}
		fmt.Fprintf(w, "%04d\t%s\t%s\t%s\n", r.Version, r.Name, state, at)
	}
	_ = w.Flush()
}
