package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/transport"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestTransport(t *testing.T, opts Options) *Transport {
	t.Helper()
	opts.Host = "127.0.0.1"
	opts.SpoolDir = t.TempDir()
	tr := New(opts, testLogger(t))
	t.Cleanup(tr.Stop)
	return tr
}

func stageEnv(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		writeFile(t, filepath.Join(root, rel), content)
	}
	return root + string(os.PathSeparator)
}

func TestPrepareInlinesSmallArchives(t *testing.T) {
	tr := newTestTransport(t, Options{})
	env := stageEnv(t, map[string]string{"hello.txt": "hi\n"})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-1", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)

	archive, ok := handle.(*protocol.ArchiveHandle)
	require.True(t, ok)
	assert.NotEmpty(t, archive.InlineData)
	assert.Empty(t, archive.DownloadURL)
	assert.NotEmpty(t, archive.Checksum)
}

func TestPrepareServesLargeArchives(t *testing.T) {
	tr := newTestTransport(t, Options{InlineThresholdBytes: 64})
	big := make([]byte, 8192)
	_, _ = rand.Read(big)
	env := stageEnv(t, map[string]string{"big.bin": string(big)})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-2", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)

	archive := handle.(*protocol.ArchiveHandle)
	assert.Empty(t, archive.InlineData)
	assert.NotEmpty(t, archive.DownloadURL)
	assert.NotEmpty(t, archive.UploadURL)

	resp, err := http.Get(archive.DownloadURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupExtractsAndVerifies(t *testing.T) {
	tr := newTestTransport(t, Options{})
	env := stageEnv(t, map[string]string{"hello.txt": "hi\n", "sub/x.txt": "x"})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-3", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)

	workDir := t.TempDir()
	path, err := tr.Setup(context.Background(), transport.SetupRequest{
		DelegationID: "d-3", Handle: handle, WorkDir: workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, workDir, path)

	data, err := os.ReadFile(filepath.Join(workDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestSetupRejectsChecksumMismatch(t *testing.T) {
	tr := newTestTransport(t, Options{})
	env := stageEnv(t, map[string]string{"hello.txt": "hi\n"})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-4", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)

	archive := handle.(*protocol.ArchiveHandle)
	archive.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	_, err = tr.Setup(context.Background(), transport.SetupRequest{
		DelegationID: "d-4", Handle: archive, WorkDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, awcperrors.CodeSetupFailed, awcperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "expected")
	assert.Contains(t, err.Error(), "actual")
}

func TestTeardownAndApplyResultRoundTrip(t *testing.T) {
	tr := newTestTransport(t, Options{})
	env := stageEnv(t, map[string]string{"workspace/hello.txt": "hi\n"})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-5", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)

	workDir := t.TempDir()
	_, err = tr.Setup(context.Background(), transport.SetupRequest{
		DelegationID: "d-5", Handle: handle, WorkDir: workDir,
	})
	require.NoError(t, err)

	// The "task" appends to the file.
	writeFile(t, filepath.Join(workDir, "workspace", "hello.txt"), "hi\nX")

	resultRef, err := tr.Teardown(context.Background(), transport.TeardownRequest{
		DelegationID: "d-5", WorkDir: workDir,
	})
	require.NoError(t, err)
	require.NotNil(t, resultRef)

	var appliedRoot string
	err = tr.ApplyResult(context.Background(), "d-5", resultRef, func(ctx context.Context, resultRoot string) error {
		appliedRoot = resultRoot
		data, err := os.ReadFile(filepath.Join(resultRoot, "workspace", "hello.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hi\nX", string(data))
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, appliedRoot)
}

func TestChunkedUploadWithResume(t *testing.T) {
	tr := newTestTransport(t, Options{InlineThresholdBytes: 64, ChunkSizeBytes: 1024})
	env := stageEnv(t, map[string]string{"seed.txt": "seed"})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-6", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)
	archive := handle.(*protocol.ArchiveHandle)

	// Build a 5-chunk result archive.
	resultDir := t.TempDir()
	payload := make([]byte, 4*1024+512)
	_, _ = rand.Read(payload)
	writeFile(t, filepath.Join(resultDir, "out.bin"), string(payload))
	resultZip := filepath.Join(t.TempDir(), "result.zip")
	require.NoError(t, CreateArchive(resultDir, resultZip))
	checksum, err := FileChecksum(resultZip)
	require.NoError(t, err)

	client := NewUploadClient(1024, 3, 5*time.Second, testLogger(t))

	// First attempt: deliver only chunks 0 and 1, as if the network died.
	data, err := os.ReadFile(resultZip)
	require.NoError(t, err)
	total := (len(data) + 1023) / 1024
	for idx := 0; idx < 2; idx++ {
		chunk := data[idx*1024 : (idx+1)*1024]
		require.NoError(t, client.sendChunkWithRetry(context.Background(), archive.UploadURL, idx, total, chunk))
	}

	// Status shows what survived the interruption.
	received, err := client.fetchStatus(context.Background(), archive.UploadURL)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, received)

	// Resume: Upload skips received chunks and completes.
	require.NoError(t, client.Upload(context.Background(), archive.UploadURL, resultZip))

	resultPath, ok := tr.server.ResultPath("d-6")
	require.True(t, ok)
	got, err := FileChecksum(resultPath)
	require.NoError(t, err)
	assert.Equal(t, checksum, got)

	// Extracted tree is identical to the input.
	extracted := t.TempDir()
	require.NoError(t, ExtractArchive(resultPath, extracted))
	gotPayload, err := os.ReadFile(filepath.Join(extracted, "out.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, gotPayload))
}

func TestUploadWholeIsIdempotent(t *testing.T) {
	tr := newTestTransport(t, Options{InlineThresholdBytes: 16})
	env := stageEnv(t, map[string]string{"f.txt": "data"})

	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-7", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)
	archive := handle.(*protocol.ArchiveHandle)

	resultDir := t.TempDir()
	writeFile(t, filepath.Join(resultDir, "r.txt"), "result")
	resultZip := filepath.Join(t.TempDir(), "r.zip")
	require.NoError(t, CreateArchive(resultDir, resultZip))

	client := NewUploadClient(1<<20, 3, 5*time.Second, testLogger(t))
	require.NoError(t, client.Upload(context.Background(), archive.UploadURL, resultZip))
	require.NoError(t, client.Upload(context.Background(), archive.UploadURL, resultZip))

	_, ok := tr.server.ResultPath("d-7")
	assert.True(t, ok)
}

func TestChunkStatusEndpointShape(t *testing.T) {
	tr := newTestTransport(t, Options{InlineThresholdBytes: 16})
	env := stageEnv(t, map[string]string{"f.txt": "data"})
	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-8", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)
	archive := handle.(*protocol.ArchiveHandle)

	resp, err := http.Get(archive.UploadURL + "/chunks/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Empty(t, status.Received)
}

func TestCleanupRemovesServedArchive(t *testing.T) {
	tr := newTestTransport(t, Options{InlineThresholdBytes: 16})
	env := stageEnv(t, map[string]string{"f.txt": "data"})
	handle, err := tr.Prepare(context.Background(), transport.PrepareRequest{
		DelegationID: "d-9", ExportPath: env, TTLSeconds: 60,
	})
	require.NoError(t, err)
	archive := handle.(*protocol.ArchiveHandle)

	require.NoError(t, tr.Cleanup(context.Background(), "d-9"))

	resp, err := http.Get(archive.DownloadURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
