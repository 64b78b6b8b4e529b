package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/common/logger"
)

// Server is the process-wide archive data plane. It serves prepared
// archives for download and accepts result uploads, whole or chunked. One
// server is shared across all delegations; registrations are keyed by
// delegation id. It starts lazily behind a single-entry guard.
type Server struct {
	port     int
	host     string
	spoolDir string
	logger   *logger.Logger

	startOnce sync.Once
	startErr  error
	httpSrv   *http.Server
	baseURL   string

	mu       sync.Mutex
	archives map[string]archiveEntry
	uploads  map[string]*uploadState
}

type archiveEntry struct {
	path     string
	checksum string
}

type uploadState struct {
	dir        string
	total      int
	received   map[int]struct{}
	resultPath string // set once assembled or uploaded whole
}

// NewServer creates a data-plane server. Port 0 binds an ephemeral port.
func NewServer(host string, port int, spoolDir string, log *logger.Logger) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Server{
		port:     port,
		host:     host,
		spoolDir: spoolDir,
		logger:   log.WithFields(zap.String("component", "archive-server")),
		archives: make(map[string]archiveEntry),
		uploads:  make(map[string]*uploadState),
	}
}

// Start binds the listener and begins serving. Safe for concurrent
// first-use; subsequent calls return the first outcome.
func (s *Server) Start() error {
	s.startOnce.Do(func() {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
		if err != nil {
			s.startErr = fmt.Errorf("archive server listen: %w", err)
			return
		}
		s.baseURL = fmt.Sprintf("http://%s", ln.Addr().String())

		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/archives/:id", s.handleDownload)
		router.PUT("/archives/:id/result", s.handleUploadWhole)
		router.POST("/archives/:id/result/chunks", s.handleUploadChunk)
		router.POST("/archives/:id/result/chunks/complete", s.handleUploadComplete)
		router.GET("/archives/:id/result/chunks/status", s.handleUploadStatus)

		s.httpSrv = &http.Server{Handler: router}
		go func() {
			if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.logger.Error("archive server stopped", zap.Error(err))
			}
		}()
		s.logger.Info("archive data plane listening", zap.String("url", s.baseURL))
	})
	return s.startErr
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}

// BaseURL returns the served base URL; valid after Start.
func (s *Server) BaseURL() string { return s.baseURL }

// Register exposes a prepared archive and allocates its upload slot.
// Returns the download and upload URLs.
func (s *Server) Register(id, path, checksum string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[id] = archiveEntry{path: path, checksum: checksum}
	s.uploads[id] = &uploadState{
		dir:      filepath.Join(s.spoolDir, id+"-chunks"),
		received: make(map[int]struct{}),
	}
	return s.baseURL + "/archives/" + id, s.baseURL + "/archives/" + id + "/result"
}

// ResultPath returns the uploaded result archive for a delegation, if any.
func (s *Server) ResultPath(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[id]
	if !ok || up.resultPath == "" {
		return "", false
	}
	return up.resultPath, true
}

// Remove drops a delegation's archive, upload state, and spool files.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	entry, hadArchive := s.archives[id]
	up, hadUpload := s.uploads[id]
	delete(s.archives, id)
	delete(s.uploads, id)
	s.mu.Unlock()

	if hadArchive {
		_ = os.Remove(entry.path)
	}
	if hadUpload {
		_ = os.RemoveAll(up.dir)
		if up.resultPath != "" {
			_ = os.Remove(up.resultPath)
		}
	}
}

func (s *Server) handleDownload(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	entry, ok := s.archives[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown archive"})
		return
	}
	c.Header("X-Archive-Checksum", entry.checksum)
	c.File(entry.path)
}

// handleUploadWhole accepts the full result archive in one idempotent PUT.
func (s *Server) handleUploadWhole(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	up, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown delegation"})
		return
	}

	dest := filepath.Join(s.spoolDir, id+"-result.zip")
	if err := os.MkdirAll(s.spoolDir, 0o700); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out, err := os.Create(dest)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h := sha256.New()
	if _, err := io.Copy(out, io.TeeReader(c.Request.Body, h)); err != nil {
		out.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := out.Close(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if want := c.GetHeader("X-Archive-Checksum"); want != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if got != want {
			_ = os.Remove(dest)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("checksum mismatch: expected %s, actual %s", want, got)})
			return
		}
	}

	s.mu.Lock()
	up.resultPath = dest
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUploadChunk(c *gin.Context) {
	id := c.Param("id")
	var payload chunkPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown delegation"})
		return
	}
	if payload.Index < 0 || payload.Total <= 0 || payload.Index >= payload.Total {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk index"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk encoding"})
		return
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != payload.Checksum {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk checksum mismatch"})
		return
	}

	if err := os.MkdirAll(up.dir, 0o700); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	chunkFile := filepath.Join(up.dir, fmt.Sprintf("chunk-%06d", payload.Index))
	if err := os.WriteFile(chunkFile, data, 0o600); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	up.received[payload.Index] = struct{}{}
	up.total = payload.Total
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUploadComplete(c *gin.Context) {
	id := c.Param("id")
	var payload completePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown delegation"})
		return
	}

	total := payload.ChunkCount
	if total == 0 {
		total = up.total
	}
	s.mu.Lock()
	missing := missingChunks(up.received, total)
	s.mu.Unlock()
	if len(missing) > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "missing chunks", "missing": missing})
		return
	}

	dest := filepath.Join(s.spoolDir, id+"-result.zip")
	if err := assembleChunks(up.dir, total, dest); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	got, err := FileChecksum(dest)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if got != payload.Checksum {
		_ = os.Remove(dest)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("checksum mismatch: expected %s, actual %s", payload.Checksum, got)})
		return
	}

	s.mu.Lock()
	up.resultPath = dest
	s.mu.Unlock()
	_ = os.RemoveAll(up.dir)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUploadStatus(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	up, ok := s.uploads[id]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown delegation"})
		return
	}
	received := make([]int, 0, len(up.received))
	for idx := range up.received {
		received = append(received, idx)
	}
	total := up.total
	s.mu.Unlock()

	sort.Ints(received)
	c.JSON(http.StatusOK, statusResponse{
		Received: received,
		Missing:  missingChunks(toSet(received), total),
	})
}

func toSet(indexes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		set[i] = struct{}{}
	}
	return set
}

func missingChunks(received map[int]struct{}, total int) []int {
	missing := []int{}
	for i := 0; i < total; i++ {
		if _, ok := received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func assembleChunks(dir string, total int, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	for i := 0; i < total; i++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("chunk-%06d", i)))
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	return nil
}
