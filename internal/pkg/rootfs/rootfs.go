// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package rootfs resolves a configured sandbox base image — a local
// directory or a downloadable tarball — into a directory usable as an OCI
// root path (spec §4.3's "prebuilt minimal base image"). It is shared by
// internal/pkg/builder and internal/pkg/store so that neither package has
// to depend on the other for this concern.
package rootfs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/relaypacks/juliapacks/pkg/sylog"
)

// Provider resolves and caches rootfs sources. A URL source is downloaded
// once and cached under CacheDir; concurrent callers asking for the same
// source share a single in-flight download via singleflight, the
// "artifact_lock" suspension point named in spec §5.
type Provider struct {
	CacheDir string

	group singleflight.Group
}

// NewProvider returns a Provider caching downloads under cacheDir.
func NewProvider(cacheDir string) *Provider {
	return &Provider{CacheDir: cacheDir}
}

// Resolve returns a local directory for source. A bare filesystem path is
// validated and returned unchanged; an http(s) URL is fetched and
// extracted into CacheDir on first use and reused afterward.
func (p *Provider) Resolve(ctx context.Context, source string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("no rootfs source configured")
	}

	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		info, err := os.Stat(source)
		if err != nil {
			return "", fmt.Errorf("while checking rootfs path %s: %w", source, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("rootfs path %s is not a directory", source)
		}
		return source, nil
	}

	key := slugify(source)
	dest := filepath.Join(p.CacheDir, key)

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return dest, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			return dest, nil
		}
		sylog.Infof("fetching base image %s", source)
		if err := fetchAndExtract(ctx, source, dest); err != nil {
			return nil, err
		}
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

var unsafeCharRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// slugify turns a URL into a filesystem-safe cache-key fragment.
func slugify(s string) string {
	return unsafeCharRe.ReplaceAllString(s, "_")
}

func fetchAndExtract(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("while building request for %s: %w", url, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("while fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("while fetching %s: unexpected status %s", url, resp.Status)
	}

	tmp := dest + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("while clearing %s: %w", tmp, err)
	}
	if err := extractTarGz(resp.Body, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("while extracting %s: %w", url, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("while installing %s: %w", dest, err)
	}
	return nil
}

// extractTarGz unpacks a gzipped tar stream into dest. Each entry's name is
// cleaned as an absolute path before being joined onto dest, so "../"
// components cannot place it outside dest (archive path traversal).
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("while opening gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while reading tar entry: %w", err)
		}

		target := filepath.Join(dest, filepath.Clean(string(filepath.Separator)+hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("while creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("while creating %s: %w", filepath.Dir(target), err)
			}
			if err := writeTarFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("while symlinking %s: %w", target, err)
			}
		}
	}
}

func writeTarFile(tr *tar.Reader, target string, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", target, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, tr); err != nil {
		return fmt.Errorf("while writing %s: %w", target, err)
	}
	return nil
}
