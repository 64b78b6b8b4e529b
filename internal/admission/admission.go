// Package admission gates delegations by resource and policy limits.
package admission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Limits bounds what a process will accept. Zero values fall back to the
// defaults below.
type Limits struct {
	MaxConcurrentDelegations int
	MaxTTLSeconds            int
	AllowedAccessModes       []protocol.AccessMode
	MaxTotalBytes            int64
	MaxFileCount             int
	MaxSingleFileBytes       int64
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentDelegations: 5,
		MaxTTLSeconds:            3600,
		AllowedAccessModes:       []protocol.AccessMode{protocol.AccessRO, protocol.AccessRW},
		MaxTotalBytes:            100 * 1024 * 1024,
		MaxFileCount:             10000,
		MaxSingleFileBytes:       50 * 1024 * 1024,
	}
}

// normalized fills zero fields from the defaults.
func (l Limits) normalized() Limits {
	def := DefaultLimits()
	if l.MaxConcurrentDelegations == 0 {
		l.MaxConcurrentDelegations = def.MaxConcurrentDelegations
	}
	if l.MaxTTLSeconds == 0 {
		l.MaxTTLSeconds = def.MaxTTLSeconds
	}
	if len(l.AllowedAccessModes) == 0 {
		l.AllowedAccessModes = def.AllowedAccessModes
	}
	if l.MaxTotalBytes == 0 {
		l.MaxTotalBytes = def.MaxTotalBytes
	}
	if l.MaxFileCount == 0 {
		l.MaxFileCount = def.MaxFileCount
	}
	if l.MaxSingleFileBytes == 0 {
		l.MaxSingleFileBytes = def.MaxSingleFileBytes
	}
	return l
}

// DependencyStatus is a transport's availability report.
type DependencyStatus struct {
	Available bool
	Hint      string
}

// WorkspaceStats accumulates during the streaming walk and is reported with
// WORKSPACE_TOO_LARGE failures.
type WorkspaceStats struct {
	EstimatedBytes   int64 `json:"estimatedBytes"`
	FileCount        int   `json:"fileCount"`
	LargestFileBytes int64 `json:"largestFileBytes"`
}

// Controller performs ordered admission checks.
type Controller struct {
	limits Limits
	logger *logger.Logger
}

// NewController creates a controller with the given limits; zero fields use
// defaults.
func NewController(limits Limits, log *logger.Logger) *Controller {
	return &Controller{
		limits: limits.normalized(),
		logger: log.WithFields(zap.String("component", "admission")),
	}
}

// Limits returns the effective limits.
func (c *Controller) Limits() Limits { return c.limits }

// CheckInvite runs the executor-side checks in order: concurrency, lease
// TTL, access mode, transport dependency. The first failure wins.
func (c *Controller) CheckInvite(lease protocol.LeaseConfig, activeCount int, dep DependencyStatus) error {
	if activeCount >= c.limits.MaxConcurrentDelegations {
		return awcperrors.Declined(fmt.Sprintf(
			"concurrency limit reached: %d active delegations", activeCount))
	}
	if lease.TTLSeconds > c.limits.MaxTTLSeconds {
		return awcperrors.Declined(fmt.Sprintf(
			"requested ttl %ds exceeds maximum %ds", lease.TTLSeconds, c.limits.MaxTTLSeconds))
	}
	if !c.modeAllowed(lease.AccessMode) {
		return awcperrors.Declined(fmt.Sprintf(
			"access mode %q is not permitted", lease.AccessMode))
	}
	if !dep.Available {
		return awcperrors.DepMissing("transport dependency unavailable", dep.Hint)
	}
	return nil
}

func (c *Controller) modeAllowed(mode protocol.AccessMode) bool {
	for _, m := range c.limits.AllowedAccessModes {
		if m == mode {
			return true
		}
	}
	return false
}

// CheckWorkspace walks every resource source, accumulating stats and
// aborting on threshold breach. Enumeration is streaming at directory
// granularity: each directory's entries are accounted before the limits
// are evaluated, so reported stats cover at least the breaching directory.
// Stats are returned even when the check fails. Symlinks are followed
// once; cycles are detected by inode. Hidden files are counted.
func (c *Controller) CheckWorkspace(ctx context.Context, spec *environment.Spec) (*WorkspaceStats, error) {
	stats := &WorkspaceStats{}
	seen := make(map[inodeKey]struct{})

	for _, res := range spec.Resources {
		if res.Kind != environment.ResourceKindFS {
			continue
		}
		info, err := os.Stat(res.Source)
		if err != nil {
			if os.IsNotExist(err) {
				return stats, awcperrors.WorkspaceNotFound(res.Source)
			}
			return stats, awcperrors.WorkspaceInvalid(err.Error())
		}
		if !info.IsDir() {
			stats.account(info.Size())
			if err := c.evaluate(stats); err != nil {
				return stats, err
			}
			continue
		}
		if key, ok := inodeOf(info); ok {
			seen[key] = struct{}{}
		}
		if err := c.walkDir(ctx, res.Source, stats, seen); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

type inodeKey struct {
	dev uint64
	ino uint64
}

// walkDir accounts all files directly in dir, evaluates the limits, then
// recurses into subdirectories.
func (c *Controller) walkDir(ctx context.Context, dir string, stats *WorkspaceStats, seen map[inodeKey]struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return awcperrors.WorkspaceInvalid(err.Error())
	}

	var subdirs []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		fi, err := os.Lstat(p)
		if err != nil {
			return awcperrors.WorkspaceInvalid(err.Error())
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil {
				// Dangling symlinks contribute nothing.
				continue
			}
			ri, err := os.Stat(resolved)
			if err != nil {
				continue
			}
			if key, ok := inodeOf(ri); ok {
				if _, cycle := seen[key]; cycle {
					continue
				}
				seen[key] = struct{}{}
			}
			if ri.IsDir() {
				subdirs = append(subdirs, resolved)
			} else {
				stats.account(ri.Size())
			}
			continue
		}
		if fi.IsDir() {
			if key, ok := inodeOf(fi); ok {
				if _, cycle := seen[key]; cycle {
					continue
				}
				seen[key] = struct{}{}
			}
			subdirs = append(subdirs, p)
			continue
		}
		stats.account(fi.Size())
	}

	if err := c.evaluate(stats); err != nil {
		return err
	}
	for _, sub := range subdirs {
		if err := c.walkDir(ctx, sub, stats, seen); err != nil {
			return err
		}
	}
	return nil
}

func inodeOf(fi os.FileInfo) (inodeKey, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(st.Dev), ino: st.Ino}, true
}

func (s *WorkspaceStats) account(size int64) {
	s.FileCount++
	s.EstimatedBytes += size
	if size > s.LargestFileBytes {
		s.LargestFileBytes = size
	}
}

// evaluate checks the accumulated stats against the limits.
func (c *Controller) evaluate(stats *WorkspaceStats) error {
	if stats.LargestFileBytes > c.limits.MaxSingleFileBytes {
		return awcperrors.WorkspaceTooLarge(fmt.Sprintf(
			"file of %d bytes exceeds per-file limit %d", stats.LargestFileBytes, c.limits.MaxSingleFileBytes))
	}
	if stats.FileCount > c.limits.MaxFileCount {
		return awcperrors.WorkspaceTooLarge(fmt.Sprintf(
			"file count %d exceeds limit %d", stats.FileCount, c.limits.MaxFileCount))
	}
	if stats.EstimatedBytes > c.limits.MaxTotalBytes {
		return awcperrors.WorkspaceTooLarge(fmt.Sprintf(
			"total size %d bytes exceeds limit %d", stats.EstimatedBytes, c.limits.MaxTotalBytes))
	}
	return nil
}
