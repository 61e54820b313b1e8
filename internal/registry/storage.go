package registry

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/dabba-run/dabba/internal/logger"
)

// LayerSet is an ordered list of extracted layer directories, base layer
// first -- exactly the shape internal/mount.MountImage's lowerdir
// reversal expects.
type LayerSet []string

// completeMarker is written last so a layer directory left behind by an
// interrupted extraction is never mistaken for a cache hit.
const completeMarker = ".dabba-complete"

// Materialize extracts every layer of img that isn't already cached
// under cacheDir, keyed by layer digest, and returns the ordered
// LayerSet the overlay mount consumes. Layers already on disk (a rerun
// against the same image) are skipped entirely.
func Materialize(img v1.Image, cacheDir string) (LayerSet, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("registry: list layers: %w", err)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create cache dir %s: %w", cacheDir, err)
	}

	set := make(LayerSet, 0, len(layers))
	for _, l := range layers {
		digest, err := l.Digest()
		if err != nil {
			return nil, fmt.Errorf("registry: layer digest: %w", err)
		}
		dir := filepath.Join(cacheDir, digest.Hex)
		if layerCached(dir) {
			logger.Debug("layer cache hit", "digest", digest.String())
			set = append(set, dir)
			continue
		}
		logger.Info("extracting layer", "digest", digest.String(), "dir", dir)
		if err := extractLayer(l, dir); err != nil {
			return nil, err
		}
		set = append(set, dir)
	}
	return set, nil
}

func layerCached(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completeMarker))
	return err == nil
}

// extractLayer unpacks l into a temporary sibling of dir and renames it
// into place only once extraction succeeds, so a crash mid-extraction
// never leaves a half-populated directory wearing the final name.
func extractLayer(l v1.Layer, dir string) error {
	tmp := dir + ".tmp"
	os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("registry: create layer dir: %w", err)
	}

	rc, err := l.Uncompressed()
	if err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("registry: open layer: %w", err)
	}
	defer rc.Close()

	if err := untar(rc, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("registry: extract layer: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, completeMarker), nil, 0o644); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("registry: mark layer complete: %w", err)
	}

	os.RemoveAll(dir)
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("registry: finalize layer dir: %w", err)
	}
	return nil
}

// untar extracts an uncompressed tar stream into dst, handling the entry
// types OCI layers actually use. Whiteout (.wh.*) entries are written as
// plain files rather than interpreted as deletions: this runtime only
// ever composes layers through an overlay mount, which already
// understands OCI whiteouts natively once they land in a lowerdir.
func untar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		path := filepath.Join(dst, h.Name)
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.FileMode(h.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(h.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeLink:
			target := filepath.Join(dst, h.Linkname)
			os.Remove(path)
			if err := os.Link(target, path); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(path)
			if err := os.Symlink(h.Linkname, path); err != nil {
				return err
			}
		}
	}
}
