// Package sshfs implements the SSH certificate transport: the executor
// mounts the delegator's staging root over a FUSE filesystem, authenticated
// by a short-lived user certificate. Files are modified in place, so the
// transport is live-sync and needs no snapshot application.
package sshfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/transport"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

const mountReadyTimeout = 15 * time.Second

// Options configures the sshfs transport.
type Options struct {
	Host     string // delegator SSH endpoint advertised to executors
	Port     int
	User     string
	StateDir string // CA and key material root
}

// Transport is the SSH certificate variant, implementing both sides.
type Transport struct {
	opts   Options
	ca     *certificateAuthority
	keys   *keyStore
	logger *logger.Logger

	mu     sync.Mutex
	known  map[string]struct{} // delegation ids with issued credentials
	mounts map[string]string   // delegationId -> mount point (executor side)
}

// New creates an sshfs transport.
func New(opts Options, log *logger.Logger) *Transport {
	if opts.Port == 0 {
		opts.Port = 22
	}
	return &Transport{
		opts:   opts,
		ca:     newCertificateAuthority(opts.StateDir),
		keys:   newKeyStore(opts.StateDir),
		logger: log.WithFields(zap.String("component", "sshfs-transport")),
		known:  make(map[string]struct{}),
		mounts: make(map[string]string),
	}
}

// Kind implements the transport interfaces.
func (t *Transport) Kind() string { return protocol.TransportSSHFS }

// Capabilities implements the transport interfaces.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: false, LiveSync: true}
}

// Prepare issues a per-delegation certificate and returns the mount handle.
func (t *Transport) Prepare(ctx context.Context, req transport.PrepareRequest) (protocol.TransportHandle, error) {
	cred, err := t.ca.issue(req.DelegationID, t.opts.User, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	if err := t.keys.write(req.DelegationID, cred); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.known[req.DelegationID] = struct{}{}
	t.mu.Unlock()

	return &protocol.SSHFSHandle{
		Endpoint: protocol.SSHEndpoint{
			Host: t.opts.Host,
			Port: t.opts.Port,
			User: t.opts.User,
		},
		ExportLocator: req.ExportPath,
		Credential: protocol.SSHCredential{
			PrivateKey:  string(cred.privateKeyPEM),
			Certificate: string(cred.certificate),
		},
	}, nil
}

// Cleanup deletes the delegation's keypair and certificate.
func (t *Transport) Cleanup(ctx context.Context, delegationID string) error {
	t.mu.Lock()
	delete(t.known, delegationID)
	t.mu.Unlock()
	t.keys.remove(delegationID)
	return nil
}

// CleanupStaleKeyFiles deletes keyfiles for delegations the engine no
// longer knows. Called on daemon start.
func (t *Transport) CleanupStaleKeyFiles() error {
	t.mu.Lock()
	known := make(map[string]struct{}, len(t.known))
	for id := range t.known {
		known[id] = struct{}{}
	}
	t.mu.Unlock()
	return t.keys.removeStale(known)
}

// CheckDependency reports whether the sshfs binary is installed.
func (t *Transport) CheckDependency(ctx context.Context) transport.DependencyStatus {
	if _, err := exec.LookPath("sshfs"); err != nil {
		return transport.DependencyStatus{
			Available: false,
			Hint:      "sshfs not found in PATH; install the sshfs package",
		}
	}
	return transport.DependencyStatus{Available: true}
}

// Setup mounts user@host:exportLocator at the work directory.
func (t *Transport) Setup(ctx context.Context, req transport.SetupRequest) (string, error) {
	handle, ok := req.Handle.(*protocol.SSHFSHandle)
	if !ok {
		return "", awcperrors.SetupFailed("handle is not an sshfs handle", nil)
	}

	credDir := req.WorkDir + ".cred"
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		return "", err
	}
	keyPath := filepath.Join(credDir, "id")
	if err := os.WriteFile(keyPath, []byte(handle.Credential.PrivateKey), 0o600); err != nil {
		return "", err
	}
	// ssh picks up <key>-cert.pub automatically next to the identity file.
	if err := os.WriteFile(keyPath+"-cert.pub", []byte(handle.Credential.Certificate), 0o644); err != nil {
		return "", err
	}
	if err := os.MkdirAll(req.WorkDir, 0o700); err != nil {
		return "", err
	}

	remote := fmt.Sprintf("%s@%s:%s", handle.Endpoint.User, handle.Endpoint.Host, handle.ExportLocator)
	args := []string{
		remote, req.WorkDir,
		"-p", fmt.Sprintf("%d", handle.Endpoint.Port),
		"-o", "IdentityFile=" + keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	}
	cmd := exec.CommandContext(ctx, "sshfs", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", awcperrors.SetupFailed(
			fmt.Sprintf("sshfs mount failed: %s", string(out)), err)
	}

	if err := t.waitMounted(ctx, req.WorkDir); err != nil {
		_ = t.unmount(req.WorkDir)
		return "", awcperrors.SetupFailed("mount did not become ready", err)
	}

	t.mu.Lock()
	t.mounts[req.DelegationID] = req.WorkDir
	t.mu.Unlock()

	t.logger.Debug("mounted workspace",
		zap.String("delegation_id", req.DelegationID),
		zap.String("mount", req.WorkDir))
	return req.WorkDir, nil
}

// waitMounted polls the mount point until it is readable or the readiness
// window elapses.
func (t *Transport) waitMounted(ctx context.Context, mountPoint string) error {
	deadline := time.Now().Add(mountReadyTimeout)
	for {
		if _, err := os.ReadDir(mountPoint); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("mount not ready after %s", mountReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Teardown unmounts the workspace. Live-sync transports carry no result
// reference: changes are already on the delegator.
func (t *Transport) Teardown(ctx context.Context, req transport.TeardownRequest) (*transport.ResultRef, error) {
	t.mu.Lock()
	delete(t.mounts, req.DelegationID)
	t.mu.Unlock()

	if err := t.unmount(req.WorkDir); err != nil {
		return nil, err
	}
	_ = os.RemoveAll(req.WorkDir + ".cred")
	return nil, nil
}

func (t *Transport) unmount(mountPoint string) error {
	cmd := exec.Command("fusermount", "-u", mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		// Busy mounts get one lazy retry before giving up.
		lazy := exec.Command("fusermount", "-u", "-z", mountPoint)
		if lout, lerr := lazy.CombinedOutput(); lerr != nil {
			return fmt.Errorf("unmount failed: %s / %s", string(out), string(lout))
		}
	}
	return nil
}

var (
	_ transport.Delegator = (*Transport)(nil)
	_ transport.Executor  = (*Transport)(nil)
)
