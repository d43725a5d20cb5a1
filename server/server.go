package server

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"hiomapd/config"
	"hiomapd/discovery"
	"hiomapd/hiomap"
	"hiomapd/logs"
)

//go:embed web/*
var webFS embed.FS

type Server struct {
	port      int
	version   string
	scanner   *discovery.Scanner
	manager   *hiomap.Manager
	logWriter *logs.Writer
	router    *mux.Router
	httpServer *http.Server
	macLookup  map[string]string // MAC -> target name
}

func New(port int, scanner *discovery.Scanner, manager *hiomap.Manager, logWriter *logs.Writer, targets []config.TargetEntry, version string) *Server {
	s := &Server{
		port:      port,
		version:   version,
		scanner:   scanner,
		manager:   manager,
		logWriter: logWriter,
		router:    mux.NewRouter(),
		macLookup: make(map[string]string),
	}

	for _, t := range targets {
		for _, mac := range t.MACs {
			normalized := normalizeMac(mac)
			s.macLookup[normalized] = t.Name
			log.Debugf("MAC lookup: %s -> %s", normalized, t.Name)
		}
	}
	if len(s.macLookup) > 0 {
		log.Infof("Loaded %d MAC address mappings", len(s.macLookup))
	}

	s.setupRoutes()
	return s
}

// normalizeMac converts MAC to lowercase without separators
func normalizeMac(mac string) string {
	mac = strings.ToLower(mac)
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	mac = strings.ReplaceAll(mac, ".", "")
	return mac
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/targets", s.handleListTargets).Methods("GET")
	api.HandleFunc("/targets/{name}/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/targets/{name}/info", s.handleInfo).Methods("GET")
	api.HandleFunc("/targets/{name}/read", s.handleRead).Methods("GET")
	api.HandleFunc("/targets/{name}/erase", s.handleErase).Methods("POST")
	api.HandleFunc("/targets/{name}/trace/stream", s.handleTraceStream).Methods("GET")
	log.Info("Registered route: /api/targets/{name}/trace/stream")
	api.HandleFunc("/targets/{name}/trace-logs", s.handleListTraceLogs).Methods("GET")
	api.HandleFunc("/targets/{name}/trace-logs/{filename}", s.handleGetTraceLog).Methods("GET")
	api.HandleFunc("/targets/{name}/analytics", s.handleAnalytics).Methods("GET")
	api.HandleFunc("/analytics", s.handleAllAnalytics).Methods("GET")
	api.HandleFunc("/lookup/mac/{mac}", s.handleMacLookup).Methods("GET")
	api.HandleFunc("/refresh", s.handleRefresh).Methods("POST")

	htmx := s.router.PathPrefix("/htmx").Subrouter()
	htmx.HandleFunc("/targets/{name}/analytics", s.handleAnalyticsHTML).Methods("GET")
	htmx.HandleFunc("/targets/{name}/trace-logs", s.handleTraceLogListHTML).Methods("GET")

	webContent, _ := fs.Sub(webFS, "web")
	s.router.PathPrefix("/").Handler(http.FileServer(http.FS(webContent)))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q}`, s.version)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.scanner.Refresh()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Infof("MIDDLEWARE: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("Context done, shutting down HTTP server")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("Starting web server on port %d", s.port)
	log.Infof("Routes configured: /api/version, /api/targets, etc.")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Info("HTTP server closed cleanly")
		return nil
	}
	log.Errorf("HTTP server error: %v", err)
	return err
}
