// Package source opens entry trees from a source URI.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/EPiC-Inc/vaporous/internal/source/local"
	s3source "github.com/EPiC-Inc/vaporous/internal/source/s3"
	sftpsource "github.com/EPiC-Inc/vaporous/internal/source/sftp"
	"github.com/EPiC-Inc/vaporous/pkg/entry"
)

// Options carries per-scheme settings. Fields taken from the URI itself
// (bucket, host, user, path) are filled in by Open.
type Options struct {
	PageSize int
	S3       s3source.Config
	SFTP     sftpsource.Config
}

// Kind returns the source type for uri: "local", "s3" or "sftp".
func Kind(uri string) (string, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return "local", nil
	}
	switch strings.ToLower(scheme) {
	case "file":
		return "local", nil
	case "s3":
		return "s3", nil
	case "sftp":
		return "sftp", nil
	default:
		return "", fmt.Errorf("unknown source scheme: %s", scheme)
	}
}

// Open resolves uri into a root entry. The returned closer releases any
// connection held by the source and must be closed after the entries are
// no longer used.
func Open(ctx context.Context, uri string, opts Options) (entry.Entry, io.Closer, error) {
	kind, err := Kind(uri)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case "local":
		p := uri
		if strings.HasPrefix(strings.ToLower(uri), "file://") {
			u, err := url.Parse(uri)
			if err != nil {
				return nil, nil, fmt.Errorf("parse %s: %w", uri, err)
			}
			p = u.Path
		}
		root, err := local.Open(local.Config{Path: p, PageSize: opts.PageSize})
		if err != nil {
			return nil, nil, err
		}
		return root, nopCloser{}, nil

	case "s3":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", uri, err)
		}
		cfg := opts.S3
		cfg.Bucket = u.Host
		cfg.Prefix = strings.TrimPrefix(u.Path, "/")
		if cfg.PageSize == 0 {
			cfg.PageSize = opts.PageSize
		}
		root, err := s3source.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return root, nopCloser{}, nil

	case "sftp":
		cfg, err := sftpConfig(uri, opts.SFTP)
		if err != nil {
			return nil, nil, err
		}
		src, err := sftpsource.Dial(cfg)
		if err != nil {
			return nil, nil, err
		}
		root, err := src.Root(ctx, cfg.Path)
		if err != nil {
			src.Close()
			return nil, nil, err
		}
		return root, src, nil
	}
	return nil, nil, fmt.Errorf("unknown source type: %s", kind)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func sftpConfig(uri string, cfg sftpsource.Config) (sftpsource.Config, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", uri, err)
	}
	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("invalid port %q", p)
		}
		cfg.Port = port
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}
	cfg.Path = u.Path
	if cfg.Path == "" {
		cfg.Path = "."
	}
	return cfg, nil
}
