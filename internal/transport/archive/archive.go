// Package archive implements the ZIP archive transport: the environment is
// shipped as a single archive, inlined for small workspaces or served from
// the delegator's data plane, with chunked resumable result uploads.
package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/transport"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Options tunes the archive transport.
type Options struct {
	Host                 string // data-plane bind host
	Port                 int    // data-plane port, 0 = ephemeral
	SpoolDir             string // temp archives, default <tmp>/awcp-archives
	InlineThresholdBytes int64  // inline base64 below this size, default 2 MiB
	ChunkSizeBytes       int64
	MaxRetries           int
	ChunkTimeoutSeconds  int
}

func (o Options) withDefaults() Options {
	if o.SpoolDir == "" {
		o.SpoolDir = filepath.Join(os.TempDir(), "awcp-archives")
	}
	if o.InlineThresholdBytes <= 0 {
		o.InlineThresholdBytes = 2 * 1024 * 1024
	}
	if o.ChunkSizeBytes <= 0 {
		o.ChunkSizeBytes = 2 * 1024 * 1024
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ChunkTimeoutSeconds <= 0 {
		o.ChunkTimeoutSeconds = 30
	}
	return o
}

// Transport is the archive variant. One instance serves all delegations;
// prepare/cleanup are keyed by delegation id and safe for concurrent use.
// It implements both the delegator and executor sides.
type Transport struct {
	opts   Options
	server *Server
	logger *logger.Logger

	mu       sync.Mutex
	prepared map[string]string                  // delegationId -> archive path (delegator side)
	handles  map[string]*protocol.ArchiveHandle // delegationId -> handle (executor side)
}

// New creates an archive transport.
func New(opts Options, log *logger.Logger) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts:     opts,
		server:   NewServer(opts.Host, opts.Port, opts.SpoolDir, log),
		logger:   log.WithFields(zap.String("component", "archive-transport")),
		prepared: make(map[string]string),
		handles:  make(map[string]*protocol.ArchiveHandle),
	}
}

// Kind implements the transport interfaces.
func (t *Transport) Kind() string { return protocol.TransportArchive }

// Capabilities implements the transport interfaces.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: true, LiveSync: false}
}

// CheckDependency implements transport.Executor. The archive transport has
// no host dependencies beyond the standard library.
func (t *Transport) CheckDependency(ctx context.Context) transport.DependencyStatus {
	return transport.DependencyStatus{Available: true}
}

// Prepare zips the export, registers it with the data plane (or inlines
// it), and returns the handle carried by START.
func (t *Transport) Prepare(ctx context.Context, req transport.PrepareRequest) (protocol.TransportHandle, error) {
	archivePath := filepath.Join(t.opts.SpoolDir, req.DelegationID+".zip")
	if err := CreateArchive(req.ExportPath, archivePath); err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	checksum, err := FileChecksum(archivePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
	handle := &protocol.ArchiveHandle{
		Checksum:  checksum,
		ExpiresAt: expiresAt,
	}

	// Selection policy: inline below the threshold, serve above it. The
	// threshold is configuration, never feature detection.
	if info.Size() < t.opts.InlineThresholdBytes {
		data, err := os.ReadFile(archivePath)
		if err != nil {
			return nil, err
		}
		handle.InlineData = base64.StdEncoding.EncodeToString(data)
		// The upload slot is still served so large results can resume.
		if err := t.server.Start(); err != nil {
			return nil, err
		}
		_, uploadURL := t.server.Register(req.DelegationID, archivePath, checksum)
		handle.UploadURL = uploadURL
	} else {
		if err := t.server.Start(); err != nil {
			return nil, err
		}
		downloadURL, uploadURL := t.server.Register(req.DelegationID, archivePath, checksum)
		handle.DownloadURL = downloadURL
		handle.UploadURL = uploadURL
		sums, total, err := ChunkChecksums(archivePath, t.opts.ChunkSizeBytes)
		if err != nil {
			return nil, err
		}
		if len(sums) > 1 {
			handle.Chunked = &protocol.ChunkedInfo{
				ChunkCount:     len(sums),
				ChunkSize:      t.opts.ChunkSizeBytes,
				TotalSize:      total,
				ChunkChecksums: sums,
			}
		}
	}

	t.mu.Lock()
	t.prepared[req.DelegationID] = archivePath
	t.mu.Unlock()

	t.logger.Debug("prepared archive",
		zap.String("delegation_id", req.DelegationID),
		zap.Int64("bytes", info.Size()),
		zap.Bool("inline", handle.InlineData != ""))
	return handle, nil
}

// ApplyResult materializes the executor's result archive and hands the
// extracted root to the apply callback.
func (t *Transport) ApplyResult(ctx context.Context, delegationID string, result *transport.ResultRef, apply func(ctx context.Context, resultRoot string) error) error {
	archivePath, cleanup, err := t.resolveResult(delegationID, result)
	if err != nil {
		return err
	}
	defer cleanup()

	resultRoot, err := os.MkdirTemp("", "awcp-result-"+delegationID+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(resultRoot)

	if err := ExtractArchive(archivePath, resultRoot); err != nil {
		return awcperrors.SetupFailed("extract result archive", err)
	}
	return apply(ctx, resultRoot)
}

// resolveResult turns a ResultRef into a local archive path.
func (t *Transport) resolveResult(delegationID string, result *transport.ResultRef) (string, func(), error) {
	noop := func() {}
	if result != nil && len(result.Data) > 0 {
		tmp, err := os.CreateTemp("", "awcp-inline-result-*.zip")
		if err != nil {
			return "", noop, err
		}
		if _, err := tmp.Write(result.Data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", noop, err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", noop, err
		}
		name := tmp.Name()
		return name, func() { os.Remove(name) }, nil
	}
	// URL results land on our own data plane; read them off disk.
	if path, ok := t.server.ResultPath(delegationID); ok {
		return path, noop, nil
	}
	return "", noop, fmt.Errorf("no result available for delegation %s", delegationID)
}

// Cleanup drops the prepared archive and upload state for a delegation.
func (t *Transport) Cleanup(ctx context.Context, delegationID string) error {
	t.mu.Lock()
	path, ok := t.prepared[delegationID]
	delete(t.prepared, delegationID)
	delete(t.handles, delegationID)
	t.mu.Unlock()

	t.server.Remove(delegationID)
	if ok {
		_ = os.Remove(path)
	}
	return nil
}

// Setup fetches (or decodes) the environment archive, verifies its
// checksum, and extracts it into the work directory.
func (t *Transport) Setup(ctx context.Context, req transport.SetupRequest) (string, error) {
	handle, ok := req.Handle.(*protocol.ArchiveHandle)
	if !ok {
		return "", awcperrors.SetupFailed("handle is not an archive handle", nil)
	}

	archivePath, err := t.fetchArchive(ctx, req.DelegationID, handle)
	if err != nil {
		return "", err
	}
	defer os.Remove(archivePath)

	got, err := FileChecksum(archivePath)
	if err != nil {
		return "", awcperrors.SetupFailed("checksum archive", err)
	}
	if got != handle.Checksum {
		return "", awcperrors.SetupFailed(
			fmt.Sprintf("archive checksum mismatch: expected %s, actual %s", handle.Checksum, got), nil)
	}

	if err := ExtractArchive(archivePath, req.WorkDir); err != nil {
		return "", awcperrors.SetupFailed("extract archive", err)
	}

	t.mu.Lock()
	t.handles[req.DelegationID] = handle
	t.mu.Unlock()
	return req.WorkDir, nil
}

func (t *Transport) fetchArchive(ctx context.Context, delegationID string, handle *protocol.ArchiveHandle) (string, error) {
	tmp, err := os.CreateTemp("", "awcp-setup-"+delegationID+"-*.zip")
	if err != nil {
		return "", err
	}

	if handle.InlineData != "" {
		data, err := base64.StdEncoding.DecodeString(handle.InlineData)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", awcperrors.SetupFailed("decode inline archive", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		return tmp.Name(), nil
	}

	if handle.DownloadURL == "" {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", awcperrors.SetupFailed("archive handle has neither inline data nor download URL", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.DownloadURL, nil)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", awcperrors.SetupFailed("download archive", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", awcperrors.SetupFailed(fmt.Sprintf("download archive: %s", resp.Status), nil)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// Teardown zips the workspace and returns the result: inline bytes when
// small, an upload to the delegator's data plane otherwise.
func (t *Transport) Teardown(ctx context.Context, req transport.TeardownRequest) (*transport.ResultRef, error) {
	t.mu.Lock()
	handle, ok := t.handles[req.DelegationID]
	delete(t.handles, req.DelegationID)
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no archive state for delegation %s", req.DelegationID)
	}

	resultZip := filepath.Join(t.opts.SpoolDir, req.DelegationID+"-out.zip")
	if err := CreateArchive(req.WorkDir, resultZip); err != nil {
		return nil, fmt.Errorf("archive workspace: %w", err)
	}
	defer os.Remove(resultZip)

	info, err := os.Stat(resultZip)
	if err != nil {
		return nil, err
	}
	if handle.UploadURL == "" || info.Size() < t.opts.InlineThresholdBytes {
		data, err := os.ReadFile(resultZip)
		if err != nil {
			return nil, err
		}
		return &transport.ResultRef{Data: data}, nil
	}

	client := NewUploadClient(
		t.opts.ChunkSizeBytes,
		t.opts.MaxRetries,
		time.Duration(t.opts.ChunkTimeoutSeconds)*time.Second,
		t.logger,
	)
	if err := client.Upload(ctx, handle.UploadURL, resultZip); err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}
	return &transport.ResultRef{URL: handle.UploadURL}, nil
}

// Stop shuts down the shared data plane.
func (t *Transport) Stop() {
	t.server.Stop()
}

var (
	_ transport.Delegator     = (*Transport)(nil)
	_ transport.Executor      = (*Transport)(nil)
	_ transport.ResultApplier = (*Transport)(nil)
)
