package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
	"github.com/hollisdev/bookmark-topics/internal/config"
	"github.com/hollisdev/bookmark-topics/internal/store"
)

// Server wraps the HTTP read API over the bookmark store
type Server struct {
	db     *store.DB
	router *chi.Mux
	config *config.Config
}

// BookmarkResponse is a single bookmark in the API response
type BookmarkResponse struct {
	URL        string           `json:"url"`
	Title      string           `json:"title"`
	FolderPath string           `json:"folder_path,omitempty"`
	Category   string           `json:"category,omitempty"`
	IsValid    bool             `json:"is_valid"`
	Tags       []string         `json:"tags,omitempty"`
	Keywords   []string         `json:"keywords,omitempty"`
	Topics     []analyzer.Topic `json:"topics,omitempty"`
}

func main() {
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

	server := &Server{
		db:     db,
		router: chi.NewRouter(),
		config: cfg,
	}

	server.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, server.router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/bookmarks", s.handleBookmarks)
	s.router.Get("/api/bookmarks/analyzed", s.handleAnalyzed)
	s.router.Get("/api/keywords", s.handleKeywords)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) handleBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := s.db.ListAll()
	if err != nil {
		log.Printf("Failed to list bookmarks: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, toResponses(bookmarks))
}

func (s *Server) handleAnalyzed(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := s.db.ListAnalyzed()
	if err != nil {
		log.Printf("Failed to list analyzed bookmarks: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, toResponses(bookmarks))
}

func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "Invalid limit parameter (1-1000)", http.StatusBadRequest)
			return
		}
		limit = n
	}

	counts, err := s.db.KeywordCounts()
	if err != nil {
		log.Printf("Failed to aggregate keywords: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if len(counts) > limit {
		counts = counts[:limit]
	}

	writeJSON(w, counts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func toResponses(bookmarks []store.Bookmark) []BookmarkResponse {
	out := make([]BookmarkResponse, 0, len(bookmarks))
	for _, b := range bookmarks {
		out = append(out, BookmarkResponse{
			URL:        b.URL,
			Title:      b.Title,
			FolderPath: b.FolderPath,
			Category:   b.Category,
			IsValid:    b.IsValid,
			Tags:       b.Tags(),
			Keywords:   b.Keywords(),
			Topics:     b.Topics(),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
