package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hollisdev/bookmark-topics/internal/config"
	"github.com/hollisdev/bookmark-topics/internal/store"
	"github.com/hollisdev/bookmark-topics/internal/validator"
)

func main() {
	var (
		workers = flag.Int("workers", 20, "Concurrent validation requests")
		timeout = flag.Int("timeout", 10, "Per-request timeout in seconds")
	)
	flag.Parse()

	log.SetFlags(log.Ltime)

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.Open(cfg.Storage.DatabasePath())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	bookmarks, err := db.ListAll()
	if err != nil {
		log.Fatalf("Failed to list bookmarks: %v", err)
	}

	log.Printf("[INFO] Validating %d bookmarks...", len(bookmarks))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := validator.New(db, *workers, time.Duration(*timeout)*time.Second)
	result := v.ValidateAll(ctx, bookmarks)

	log.Printf("[INFO] Validation complete: %d dead links out of %d checked",
		result.Dead, result.Checked)
}
