package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Adapter materializes one resource kind into the staging root and applies
// executor results back to the source. The registry is open: deployments
// may register further kinds; "fs" is the only built-in.
type Adapter interface {
	// Materialize copies the resource content into dest.
	Materialize(ctx context.Context, res Resource, dest string) error
	// Apply writes the executor's result at resultPath back onto the
	// resource source.
	Apply(ctx context.Context, res Resource, resultPath string) error
}

var (
	adaptersMu sync.RWMutex
	adapters   = map[string]Adapter{}
)

// RegisterAdapter registers an adapter for a resource kind. Later
// registrations replace earlier ones.
func RegisterAdapter(kind string, a Adapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapters[kind] = a
}

// AdapterFor returns the adapter registered for a resource kind.
func AdapterFor(kind string) (Adapter, error) {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	a, ok := adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for resource kind %q", kind)
	}
	return a, nil
}

func init() {
	RegisterAdapter(ResourceKindFS, &fsAdapter{})
}

// fsAdapter copies filesystem subtrees, honoring include/exclude globs.
type fsAdapter struct{}

// Materialize copies the source subtree into dest.
func (f *fsAdapter) Materialize(ctx context.Context, res Resource, dest string) error {
	info, err := os.Stat(res.Source)
	if err != nil {
		return fmt.Errorf("resource %q source: %w", res.Name, err)
	}
	if !info.IsDir() {
		if !matchGlobs(filepath.Base(res.Source), res.Include, res.Exclude) {
			return nil
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		return copyFile(res.Source, filepath.Join(dest, filepath.Base(res.Source)), info.Mode())
	}
	return copyTree(ctx, res.Source, dest, res.Include, res.Exclude)
}

// Apply overwrites and adds files from the result subtree onto the source.
// Files absent from the result are preserved: the result is a
// superset-or-modification, not a deletion set.
func (f *fsAdapter) Apply(ctx context.Context, res Resource, resultPath string) error {
	info, err := os.Stat(resultPath)
	if err != nil {
		return fmt.Errorf("result for resource %q: %w", res.Name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("result for resource %q is not a directory", res.Name)
	}
	return filepath.Walk(resultPath, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(resultPath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(res.Source, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm())
		}
		return replaceFile(p, target, fi.Mode())
	})
}

// copyTree copies src into dest, filtering by include/exclude globs
// evaluated against slash-separated paths relative to src.
func copyTree(ctx context.Context, src, dest string, include, exclude []string) error {
	return filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !matchGlobs(filepath.ToSlash(rel), include, exclude) {
			return nil
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			// Dereference symlinks; transports cannot carry them portably.
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil {
				return err
			}
			ri, err := os.Stat(resolved)
			if err != nil {
				return err
			}
			if ri.IsDir() {
				return copyTree(ctx, resolved, target, nil, nil)
			}
			return copyFile(resolved, target, ri.Mode())
		}
		return copyFile(p, target, fi.Mode())
	})
}

// matchGlobs applies include (any-of, empty = all) then exclude (none-of)
// against the slash-relative path and its basename.
func matchGlobs(rel string, include, exclude []string) bool {
	base := path.Base(rel)
	if len(include) > 0 {
		matched := false
		for _, pat := range include {
			if globMatch(pat, rel) || globMatch(pat, base) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range exclude {
		if globMatch(pat, rel) || globMatch(pat, base) {
			return false
		}
	}
	return true
}

// globMatch extends path.Match with a trailing "/**" form matching any
// path under a prefix.
func globMatch(pattern, name string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// replaceFile writes via a temp file in the target directory and renames
// over the destination, so readers never observe a partial write.
func replaceFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".awcp-apply-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	_, copyErr := io.Copy(tmp, in)
	in.Close()
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	}
	if err := os.Chmod(tmpName, mode.Perm()); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
