package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/common/logger"
)

// MetaDirName is the staging-root metadata directory. It is excluded from
// every transport.
const MetaDirName = ".awcp"

// ManifestVersion is the staging manifest schema version.
const ManifestVersion = "1"

// Manifest records what was materialized into a staging root.
type Manifest struct {
	Version      string             `json:"version"`
	DelegationID string             `json:"delegationId"`
	CreatedAt    time.Time          `json:"createdAt"`
	Resources    []ManifestResource `json:"resources"`
}

// ManifestResource is one manifest entry.
type ManifestResource struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Mode   string `json:"mode"`
}

// BuildResult is what Build hands back to the engine.
type BuildResult struct {
	EnvRoot  string // trailing slash, required by some transports
	Manifest *Manifest
}

// Manager owns the staging base directory. Each delegation gets an
// exclusive staging root under it.
type Manager struct {
	baseDir string
	logger  *logger.Logger

	mu    sync.Mutex
	specs map[string]*Spec // by delegation id
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string, log *logger.Logger) *Manager {
	return &Manager{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "environment-manager")),
		specs:   make(map[string]*Spec),
	}
}

// Build materializes the spec into <baseDir>/<id>/ and writes the manifest.
func (m *Manager) Build(ctx context.Context, id string, spec *Spec) (*BuildResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid environment spec: %w", err)
	}

	envRoot := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(envRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}

	manifest := &Manifest{
		Version:      ManifestVersion,
		DelegationID: id,
		CreatedAt:    time.Now().UTC(),
	}

	for _, res := range spec.Resources {
		adapter, err := AdapterFor(res.Kind)
		if err != nil {
			m.removeRoot(envRoot)
			return nil, err
		}
		dest := filepath.Join(envRoot, res.Name)
		if err := adapter.Materialize(ctx, res, dest); err != nil {
			m.removeRoot(envRoot)
			return nil, fmt.Errorf("materialize resource %q: %w", res.Name, err)
		}
		manifest.Resources = append(manifest.Resources, ManifestResource{
			Name:   res.Name,
			Kind:   res.Kind,
			Source: res.Source,
			Mode:   string(res.Mode),
		})
	}

	if err := m.writeManifest(envRoot, manifest); err != nil {
		m.removeRoot(envRoot)
		return nil, err
	}

	m.mu.Lock()
	m.specs[id] = spec
	m.mu.Unlock()

	m.logger.Debug("built environment",
		zap.String("delegation_id", id),
		zap.Int("resources", len(spec.Resources)))

	// Trailing slash is load-bearing for mount-style transports.
	return &BuildResult{EnvRoot: envRoot + string(os.PathSeparator), Manifest: manifest}, nil
}

// ApplyResult writes the executor's result back onto every rw resource.
// resultRoot's children are the resource names.
func (m *Manager) ApplyResult(ctx context.Context, id, resultRoot string) error {
	m.mu.Lock()
	spec, ok := m.specs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delegation %q", id)
	}

	for _, res := range spec.Resources {
		if res.Mode != "rw" {
			continue
		}
		resultPath := filepath.Join(resultRoot, res.Name)
		if _, err := os.Stat(resultPath); os.IsNotExist(err) {
			m.logger.Warn("result missing resource, skipping",
				zap.String("delegation_id", id),
				zap.String("resource", res.Name))
			continue
		}
		adapter, err := AdapterFor(res.Kind)
		if err != nil {
			return err
		}
		if err := adapter.Apply(ctx, res, resultPath); err != nil {
			return fmt.Errorf("apply resource %q: %w", res.Name, err)
		}
	}
	return nil
}

// EnvRoot returns the staging root for a delegation, with trailing slash.
func (m *Manager) EnvRoot(id string) string {
	return filepath.Join(m.baseDir, id) + string(os.PathSeparator)
}

// Spec returns the spec a delegation was built from.
func (m *Manager) Spec(id string) (*Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[id]
	return spec, ok
}

// Release removes the staging directory best-effort and forgets the spec.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.specs, id)
	m.mu.Unlock()

	root := filepath.Join(m.baseDir, id)
	if err := os.RemoveAll(root); err != nil {
		m.logger.Warn("failed to remove staging root",
			zap.String("delegation_id", id), zap.Error(err))
	}
}

// CleanupStale removes every child of the base directory whose name is not
// a known delegation. Called on daemon start.
func (m *Manager) CleanupStale() error {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	known := make(map[string]struct{}, len(m.specs))
	for id := range m.specs {
		known[id] = struct{}{}
	}
	m.mu.Unlock()

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}
		stale := filepath.Join(m.baseDir, name)
		if err := os.RemoveAll(stale); err != nil {
			m.logger.Warn("failed to remove stale staging root",
				zap.String("path", stale), zap.Error(err))
			continue
		}
		m.logger.Info("removed stale staging root", zap.String("path", stale))
	}
	return nil
}

func (m *Manager) writeManifest(envRoot string, manifest *Manifest) error {
	metaDir := filepath.Join(envRoot, MetaDirName)
	if err := os.MkdirAll(metaDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(metaDir, "manifest.json"), data, 0o600)
}

// ReadManifest loads the manifest from a staging root.
func ReadManifest(envRoot string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(envRoot, MetaDirName, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func (m *Manager) removeRoot(root string) {
	if err := os.RemoveAll(root); err != nil {
		m.logger.Warn("failed to clean up staging root", zap.String("path", root), zap.Error(err))
	}
}
