// Package admin serves the configuration API consumed by the embedded SPA:
// GET/PUT /web/config, GET/POST /web/health/routes, and the SPA assets.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xff16/prx"
	"github.com/xff16/prx/webui"
)

const (
	ConfigPath      = "/web/config"
	RouteHealthPath = "/web/health/routes"
	DefaultListen   = "127.0.0.1:9091"

	maxConfigBodyBytes = 512 * 1024
)

type Server struct {
	listen     string
	configPath string
	proxy      *prx.Proxy
	log        *zap.Logger

	// Serializes admin writes to the config file.
	writeMu sync.Mutex
}

func NewServer(listen, configPath string, proxy *prx.Proxy, log *zap.Logger) *Server {
	if listen == "" {
		listen = DefaultListen
	}
	return &Server{
		listen:     listen,
		configPath: configPath,
		proxy:      proxy,
		log:        log,
	}
}

// Run serves the admin API until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.log.Info("admin config API is enabled",
		zap.String("listen", s.listen),
		zap.String("path", ConfigPath),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ConfigPath, s.handleConfig)
	mux.HandleFunc(RouteHealthPath, s.handleRouteHealth)
	mux.HandleFunc("/", s.handleWebUI)
	return mux
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getConfig(w, r)
	case http.MethodPut:
		s.putConfig(w, r)
	default:
		textReply(w, http.StatusMethodNotAllowed, "method_not_allowed\n")
	}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.URL.Query().Get("format"), "json") {
		cfg, err := prx.LoadConfig(s.configPath)
		if err != nil {
			textReply(w, http.StatusInternalServerError, fmt.Sprintf("failed_to_read_config: %v\n", err))
			return
		}
		jsonReply(w, http.StatusOK, configPayloadFrom(cfg))
		return
	}

	content, err := os.ReadFile(s.configPath)
	if err != nil {
		textReply(w, http.StatusInternalServerError, fmt.Sprintf("failed_to_read_config: %v\n", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(content)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	text, ok := readConfigBody(w, r)
	if !ok {
		return
	}

	if _, err := prx.ParseConfig(text); err != nil {
		textReply(w, http.StatusBadRequest, fmt.Sprintf("invalid_config: %v\n", err))
		return
	}

	if err := s.applyConfigText(text); err != nil {
		textReply(w, http.StatusInternalServerError, fmt.Sprintf("failed_to_apply_config: %v\n", err))
		return
	}

	textReply(w, http.StatusOK, "config_applied\n")
}

// applyConfigText atomically persists the new TOML and publishes the fabric
// built from it. If the written file fails re-verification the previous
// content is rolled back so the file on disk always matches a config that
// once validated.
func (s *Server) applyConfigText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	previous, err := os.ReadFile(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to read previous config: %w", err)
	}

	if err := atomicReplace(s.configPath, []byte(text)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	verified, err := prx.LoadConfig(s.configPath)
	if err != nil {
		if rbErr := atomicReplace(s.configPath, previous); rbErr != nil {
			return fmt.Errorf("config verification failed: %w; rollback failed: %w", err, rbErr)
		}
		return fmt.Errorf("config verification failed, rolled back previous config: %w", err)
	}

	s.proxy.Swap(prx.BuildFabric(verified))
	return nil
}

// atomicReplace writes bytes to a temp file in the target's directory and
// renames it over the target, so watchers and readers never see a torn file.
func atomicReplace(target string, data []byte) error {
	dir := filepath.Dir(target)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}

	// Best effort fsync on the directory to persist the rename.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// readConfigBody enforces the size, emptiness and UTF-8 rules shared by
// PUT /web/config and POST /web/health/routes.
func readConfigBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			textReply(w, http.StatusRequestEntityTooLarge, "request_body_too_large\n")
			return "", false
		}
		textReply(w, http.StatusInternalServerError, fmt.Sprintf("failed_to_read_request_body: %v\n", err))
		return "", false
	}

	if len(body) == 0 {
		textReply(w, http.StatusBadRequest, "request_body_is_empty\n")
		return "", false
	}
	if !utf8.Valid(body) {
		textReply(w, http.StatusBadRequest, "invalid_utf8_body\n")
		return "", false
	}
	return string(body), true
}

func (s *Server) handleWebUI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		textReply(w, http.StatusMethodNotAllowed, "method_not_allowed\n")
		return
	}

	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" || name == "." {
		name = "index.html"
	}

	data, err := fs.ReadFile(webui.Dist, path.Join(webui.Root, name))
	if err != nil {
		// SPA fallback for client-side routes.
		if !strings.Contains(name, ".") {
			s.serveIndex(w)
			return
		}
		textReply(w, http.StatusNotFound, "not_found\n")
		return
	}

	serveStatic(w, name, data)
}

func (s *Server) serveIndex(w http.ResponseWriter) {
	data, err := fs.ReadFile(webui.Dist, path.Join(webui.Root, "index.html"))
	if err != nil {
		textReply(w, http.StatusServiceUnavailable, "webui_not_embedded\n")
		return
	}
	serveStatic(w, "index.html", data)
}

func serveStatic(w http.ResponseWriter, name string, data []byte) {
	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}

	cache := "no-cache"
	if strings.HasPrefix(name, "assets/") {
		cache = "public, max-age=31536000, immutable"
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", cache)
	_, _ = w.Write(data)
}

func textReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
