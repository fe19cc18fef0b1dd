package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/hollisdev/bookmark-topics/internal/config"
	"github.com/hollisdev/bookmark-topics/internal/store"
)

func main() {
	var (
		file = flag.String("file", "", "Bookmark export JSON file to import")
	)
	flag.Parse()

	log.SetFlags(log.Ltime)

	if *file == "" {
		log.Fatal("Usage: import -file bookmarks.json")
	}

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

	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *file, err)
	}
	defer f.Close()

	imported, err := db.ImportJSON(f)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	log.Printf("[INFO] Imported %d bookmarks from %s", imported, *file)
}
