package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/stereomatch/appconfig"
	"github.com/stevecastle/stereomatch/auth"
	"github.com/stevecastle/stereomatch/jobqueue"
	"github.com/stevecastle/stereomatch/renderer"
	"github.com/stevecastle/stereomatch/runners"
	"github.com/stevecastle/stereomatch/stream"
	"github.com/stevecastle/stereomatch/tasks"
)

// -----------------------------------------------------------------------------
// Dependencies struct to hold shared dependencies
// -----------------------------------------------------------------------------
type Dependencies struct {
	Queue *jobqueue.Queue
	DB    *sql.DB
	Auth  *auth.AuthService
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

func initDB(dbPath string) (*sql.DB, error) {
	log.Printf("Using database path from config: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// -----------------------------------------------------------------------------
// Web-handler helpers
// -----------------------------------------------------------------------------

type ListTemplateData struct{ Jobs []jobqueue.Job }

func homeHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		renderer.Render(w, "home", ListTemplateData{Jobs: deps.Queue.GetJobs()})
	}
}

func jobsListHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		renderer.JSON(w, http.StatusOK, deps.Queue.GetJobs())
	}
}

func detailHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := deps.Queue.Snapshot(r.PathValue("id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		if wantsJSON(r) {
			renderer.JSON(w, http.StatusOK, job)
			return
		}
		renderer.Render(w, "detail", job)
	}
}

// CreateJobRequest submits either one job or a workflow. A body with
// neither command nor tasks is taken as the params of a match job.
type CreateJobRequest struct {
	Command      string                  `json:"command"`
	Params       json.RawMessage         `json:"params"`
	Dependencies []string                `json:"dependencies"`
	Tasks        []jobqueue.WorkflowTask `json:"tasks"`
}

func createJobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		var req CreateJobRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		var ids []string
		switch {
		case len(req.Tasks) > 0:
			for _, t := range req.Tasks {
				if _, ok := tasks.GetTasks()[t.Command]; !ok {
					http.Error(w, fmt.Sprintf("unknown task %q", t.Command), http.StatusBadRequest)
					return
				}
			}
			ids, err = deps.Queue.AddWorkflow(jobqueue.Workflow{Tasks: req.Tasks})
		case req.Command != "":
			if _, ok := tasks.GetTasks()[req.Command]; !ok {
				http.Error(w, fmt.Sprintf("unknown task %q", req.Command), http.StatusBadRequest)
				return
			}
			var id string
			id, err = deps.Queue.AddJob("", req.Command, req.Params, req.Dependencies)
			ids = []string{id}
		default:
			var id string
			id, err = deps.Queue.AddJob("", "match", json.RawMessage(body), nil)
			ids = []string{id}
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		renderer.JSON(w, http.StatusCreated, map[string]any{"id": ids[0], "ids": ids})
	}
}

func cancelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			queueError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job cancelled successfully"))
	}
}

func copyHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		newID, err := deps.Queue.CopyJob(r.PathValue("id"))
		if err != nil {
			queueError(w, err)
			return
		}
		renderer.JSON(w, http.StatusCreated, map[string]string{"id": newID, "message": "Job copied successfully"})
	}
}

func removeHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			queueError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job removed successfully"))
	}
}

func clearNonRunningJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		clearedCount, err := deps.Queue.ClearNonRunningJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		renderer.JSON(w, http.StatusOK, map[string]interface{}{
			"cleared_count": clearedCount,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", clearedCount),
		})
	}
}

// resultHandler serves a job's disparity map, or with ?artifact=kind one of
// its local artifacts.
func resultHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		job, ok := deps.Queue.Snapshot(r.PathValue("id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		path := job.Output
		if kind := r.URL.Query().Get("artifact"); kind != "" {
			path = job.Artifacts[kind]
		}
		if path == "" || strings.Contains(path, "://") {
			http.NotFound(w, r)
			return
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, path)
	}
}

// healthHandler provides system health information including stream connections
func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		jobs := deps.Queue.GetJobs()
		jobStats := map[string]int{"total": len(jobs)}
		for _, job := range jobs {
			jobStats[job.State.String()]++
		}

		renderer.JSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"stream":    stream.GetConnectionStats(),
			"jobs":      jobStats,
		})
	}
}

func tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		if wantsJSON(r) {
			renderer.JSON(w, http.StatusOK, map[string]any{"tasks": tasks.List()})
			return
		}
		renderer.Render(w, "tasks", tasks.List())
	}
}

type configTemplateData struct {
	Path   string
	Config json.RawMessage
}

// redacted returns cfg as JSON without its secrets.
func redacted(cfg appconfig.Config) json.RawMessage {
	cfg.JWTSecret = ""
	if cfg.S3.SecretAccessKey != "" {
		cfg.S3.SecretAccessKey = "********"
	}
	raw, _ := json.Marshal(cfg)
	return raw
}

func configHandler(configPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg := appconfig.Get()
			if wantsJSON(r) {
				renderer.JSON(w, http.StatusOK, redacted(cfg))
				return
			}
			renderer.Render(w, "config", configTemplateData{Path: configPath, Config: redacted(cfg)})
		case http.MethodPost:
			// The body overlays the running config field by field.
			newCfg := appconfig.Get()
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if err := json.Unmarshal(body, &newCfg); err != nil {
				http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := newCfg.Matching.Validate(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			cfgPath, err := appconfig.Save(newCfg)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			appconfig.Set(newCfg)

			renderer.JSON(w, http.StatusOK, map[string]any{
				"status":     "ok",
				"configPath": cfgPath,
			})
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" || strings.Contains(r.Header.Get("Accept"), "application/json")
}

func queueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobqueue.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// routes registers every handler. Mutating routes require an admin token
// when an auth middleware is installed.
func routes(deps *Dependencies, configPath string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", renderer.ApplyMiddlewares(homeHandler(deps), renderer.RolePublic))
	mux.HandleFunc("/jobs", renderer.ApplyMiddlewares(jobsListHandler(deps), renderer.RolePublic))
	mux.HandleFunc("/job/{id}", renderer.ApplyMiddlewares(detailHandler(deps), renderer.RolePublic))
	mux.HandleFunc("/job/{id}/cancel", renderer.ApplyMiddlewares(cancelHandler(deps), renderer.RoleAdmin))
	mux.HandleFunc("/job/{id}/copy", renderer.ApplyMiddlewares(copyHandler(deps), renderer.RoleAdmin))
	mux.HandleFunc("/job/{id}/remove", renderer.ApplyMiddlewares(removeHandler(deps), renderer.RoleAdmin))
	mux.HandleFunc("/jobs/clear", renderer.ApplyMiddlewares(clearNonRunningJobsHandler(deps), renderer.RoleAdmin))
	mux.HandleFunc("/create", renderer.ApplyMiddlewares(createJobHandler(deps), renderer.RoleAdmin))
	mux.HandleFunc("/result/{id}", renderer.ApplyMiddlewares(resultHandler(deps), renderer.RolePublic))
	mux.HandleFunc("/tasks", renderer.ApplyMiddlewares(tasksHandler(), renderer.RolePublic))
	mux.HandleFunc("/config", renderer.ApplyMiddlewares(configHandler(configPath), renderer.RoleAdmin))
	mux.HandleFunc("/stream", stream.StreamHandler)
	mux.HandleFunc("/health", healthHandler(deps))
	if deps.Auth != nil {
		mux.HandleFunc("/login", renderer.ApplyMiddlewares(deps.Auth.LoginHandler, renderer.RolePublic))
	}
	return mux
}

// -----------------------------------------------------------------------------
// main – start the job server and block until interrupted.
// -----------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", "", "listen address (overrides the config file)")
	open := flag.Bool("open", false, "open the web UI in a browser once listening")
	adminPassword := flag.String("admin-password", "", "password for the admin user created on first start (random when empty)")
	flag.Parse()

	cfg, cfgPath, err := appconfig.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Loaded config from %s", cfgPath)
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	db, err := initDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	authSvc := auth.NewAuthService(db, cfg.JWTSecret)
	if err := authSvc.Migrate(); err != nil {
		log.Fatalf("Failed to migrate users table: %v", err)
	}
	if _, err := authSvc.CreateDefaultUser(*adminPassword); err != nil {
		log.Fatalf("Failed to create default user: %v", err)
	}
	renderer.AuthMiddleware = authSvc.Middleware

	// ––– job queue and runners –––
	log.Println("Initializing job queue with database persistence...")
	queue := jobqueue.NewQueueWithDB(db)
	queue.SetCommandLimit("fetch", 1)
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))
	pool := runners.New(queue, cfg.Runners)

	deps := &Dependencies{Queue: queue, DB: db, Auth: authSvc}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           routes(deps, cfgPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Listening on http://%s/", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("stereomatch-server: %v", err)
		}
	}()

	if *open {
		if err := browser.OpenURL("http://" + cfg.ListenAddr + "/"); err != nil {
			log.Printf("Failed to open browser: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdown(srv, pool, queue)
}

func shutdown(srv *http.Server, pool *runners.Runners, queue *jobqueue.Queue) {
	log.Println("Shutting down stereomatch server...")

	// Stop claiming first; interrupted jobs are requeued on the next start.
	log.Println("Shutting down job runners...")
	pool.Shutdown()

	log.Println("Shutting down stream connections...")
	stream.Shutdown()

	log.Println("Saving job queue to database...")
	if err := queue.SaveAllJobsToDB(); err != nil {
		log.Printf("Error saving jobs to database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Stereomatch server shutdown complete")
}
