package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/awcp/awcp/internal/common/logger"
)

// chunkPayload is one uploaded chunk.
type chunkPayload struct {
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     string `json:"data"` // base64
	Checksum string `json:"checksum"`
}

// completePayload finishes a chunked upload.
type completePayload struct {
	Checksum   string `json:"checksum"`
	ChunkCount int    `json:"chunkCount"`
}

// statusResponse reports chunked upload progress for resume.
type statusResponse struct {
	Received []int `json:"received"`
	Missing  []int `json:"missing"`
}

// FileChecksum returns the sha-256 hex digest of a file.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChunkChecksums returns the per-chunk sha-256 digests of a file split into
// fixed-size chunks, plus the total size.
func ChunkChecksums(path string, chunkSize int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var sums []string
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			sums = append(sums, hex.EncodeToString(sum[:]))
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return sums, total, nil
}

// UploadClient pushes a result archive to the delegator's data plane,
// chunking large files with resume and per-chunk retry.
type UploadClient struct {
	ChunkSize    int64
	MaxRetries   int
	ChunkTimeout time.Duration
	Concurrency  int

	httpClient *http.Client
	logger     *logger.Logger
}

// NewUploadClient creates a client with the given tuning; zero values use
// the documented defaults (2 MiB chunks, 3 retries, 30 s per chunk).
func NewUploadClient(chunkSize int64, maxRetries int, chunkTimeout time.Duration, log *logger.Logger) *UploadClient {
	if chunkSize <= 0 {
		chunkSize = 2 * 1024 * 1024
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if chunkTimeout <= 0 {
		chunkTimeout = 30 * time.Second
	}
	return &UploadClient{
		ChunkSize:    chunkSize,
		MaxRetries:   maxRetries,
		ChunkTimeout: chunkTimeout,
		Concurrency:  4,
		httpClient:   &http.Client{},
		logger:       log.WithFields(zap.String("component", "archive-upload")),
	}
}

// Upload sends archivePath to uploadURL. Small files go as a single
// idempotent PUT; larger ones use the chunk endpoints with resume.
func (c *UploadClient) Upload(ctx context.Context, uploadURL, archivePath string) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return err
	}
	checksum, err := FileChecksum(archivePath)
	if err != nil {
		return err
	}
	if info.Size() <= c.ChunkSize {
		return c.uploadWhole(ctx, uploadURL, archivePath, checksum)
	}
	return c.uploadChunked(ctx, uploadURL, archivePath, checksum)
}

func (c *UploadClient) uploadWhole(ctx context.Context, uploadURL, archivePath, checksum string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set("X-Archive-Checksum", checksum)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload failed: %s: %s", resp.Status, string(body))
	}
	return nil
}

func (c *UploadClient) uploadChunked(ctx context.Context, uploadURL, archivePath, checksum string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	total := int((info.Size() + c.ChunkSize - 1) / c.ChunkSize)

	received, err := c.fetchStatus(ctx, uploadURL)
	if err != nil {
		// A fresh upload has no status yet.
		received = nil
	}
	have := make(map[int]struct{}, len(received))
	for _, idx := range received {
		have[idx] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)
	for idx := 0; idx < total; idx++ {
		if _, ok := have[idx]; ok {
			continue
		}
		idx := idx
		buf := make([]byte, c.ChunkSize)
		n, err := f.ReadAt(buf, int64(idx)*c.ChunkSize)
		if err != nil && err != io.EOF {
			return err
		}
		chunk := buf[:n]
		g.Go(func() error {
			return c.sendChunkWithRetry(gctx, uploadURL, idx, total, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return c.complete(ctx, uploadURL, checksum, total)
}

// sendChunkWithRetry posts one chunk with linear backoff: the wait after a
// failed attempt is the attempt number in seconds.
func (c *UploadClient) sendChunkWithRetry(ctx context.Context, uploadURL string, idx, total int, chunk []byte) error {
	sum := sha256.Sum256(chunk)
	payload := chunkPayload{
		Index:    idx,
		Total:    total,
		Data:     base64.StdEncoding.EncodeToString(chunk),
		Checksum: hex.EncodeToString(sum[:]),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		err := c.postJSON(ctx, uploadURL+"/chunks", body)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("chunk upload failed",
			zap.Int("chunk", idx), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("chunk %d failed after %d attempts: %w", idx, c.MaxRetries, lastErr)
}

func (c *UploadClient) complete(ctx context.Context, uploadURL, checksum string, total int) error {
	body, err := json.Marshal(completePayload{Checksum: checksum, ChunkCount: total})
	if err != nil {
		return err
	}
	return c.postJSON(ctx, uploadURL+"/chunks/complete", body)
}

func (c *UploadClient) postJSON(ctx context.Context, url string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.ChunkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, string(msg))
	}
	return nil
}

// fetchStatus asks the server which chunks it already holds.
func (c *UploadClient) fetchStatus(ctx context.Context, uploadURL string) ([]int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.ChunkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uploadURL+"/chunks/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: %s", resp.Status)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return status.Received, nil
}
