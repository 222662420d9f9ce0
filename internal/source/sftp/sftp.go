// Package sftp provides entries backed by a remote SFTP server.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/pkg/entry"
	"github.com/EPiC-Inc/vaporous/pkg/models"
	"github.com/EPiC-Inc/vaporous/pkg/retry"
)

// Config holds SFTP connection settings.
type Config struct {
	Host                string
	Port                int
	User                string
	Password            string
	KeyPath             string // private key file
	KnownHostsPath      string // defaults to ~/.ssh/known_hosts
	InsecureSkipHostKey bool
	Timeout             time.Duration
	Path                string
}

// Source reads entries through an SFTP session.
type Source struct {
	client *sftp.Client
	closer io.Closer
}

// Dial connects to the server described by cfg.
func Dial(cfg Config) (*Source, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	start := time.Now()
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		metrics.RecordSourceOperation("sftp", "dial", time.Since(start), false)
		return nil, fmt.Errorf("ssh dial %s: %w", addr, classify(err))
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		metrics.RecordSourceOperation("sftp", "dial", time.Since(start), false)
		return nil, fmt.Errorf("sftp session %s: %w", addr, err)
	}
	metrics.RecordSourceOperation("sftp", "dial", time.Since(start), true)
	logging.Debug("sftp connected", zap.String("addr", addr), zap.String("user", cfg.User))

	return &Source{client: sftpClient, closer: sshClient}, nil
}

// New wraps an existing SFTP client. closer, if non-nil, is closed with
// the source.
func New(client *sftp.Client, closer io.Closer) *Source {
	return &Source{client: client, closer: closer}
}

// Close ends the SFTP session and the underlying connection.
func (s *Source) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		pem, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		var signer ssh.Signer
		if cfg.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("password or key is required")
	}
	return methods, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureSkipHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	p := cfg.KnownHostsPath
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		p = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(p)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Root returns the entry at p.
func (s *Source) Root(ctx context.Context, p string) (entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p == "" {
		p = "."
	}
	start := time.Now()
	info, err := s.client.Stat(p)
	metrics.RecordSourceOperation("sftp", "stat", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, classify(err))
	}
	e := s.wrap(path.Clean(p), info)
	if e == nil {
		return nil, fmt.Errorf("%s is not a regular file or directory", p)
	}
	return e, nil
}

func (s *Source) wrap(p string, info fs.FileInfo) entry.Entry {
	if info.IsDir() {
		return &dirEntry{src: s, path: p}
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return &fileEntry{src: s, path: p, info: info}
}

type fileEntry struct {
	src  *Source
	path string
	info fs.FileInfo
}

func (e *fileEntry) Name() string { return path.Base(e.path) }
func (e *fileEntry) Path() string { return e.path }
func (e *fileEntry) IsDir() bool  { return false }

func (e *fileEntry) File(ctx context.Context) (*models.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, p := e.src.client, e.path
	return &models.FileHandle{
		Name:        e.Name(),
		Path:        p,
		Size:        e.info.Size(),
		ContentType: entry.DetectContentType(e.Name(), nil),
		ModTime:     e.info.ModTime(),
		Open: func(context.Context) (io.ReadCloser, error) {
			start := time.Now()
			f, err := client.Open(p)
			metrics.RecordSourceOperation("sftp", "open", time.Since(start), err == nil)
			if err != nil {
				return nil, classify(err)
			}
			return f, nil
		},
	}, nil
}

type dirEntry struct {
	src  *Source
	path string
}

func (e *dirEntry) Name() string { return path.Base(e.path) }
func (e *dirEntry) Path() string { return e.path }
func (e *dirEntry) IsDir() bool  { return true }

func (e *dirEntry) Reader() entry.Reader {
	return &reader{dir: e}
}

// reader returns the whole listing as one batch; the SFTP client already
// pages READDIR requests internally.
type reader struct {
	dir  *dirEntry
	done bool
}

func (r *reader) ReadEntries(ctx context.Context) ([]entry.Entry, error) {
	if r.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	infos, err := r.dir.src.client.ReadDir(r.dir.path)
	metrics.RecordSourceOperation("sftp", "readdir", time.Since(start), err == nil)
	if err != nil {
		return nil, classify(err)
	}
	r.done = true

	out := make([]entry.Entry, 0, len(infos))
	for _, info := range infos {
		if e := r.dir.src.wrap(path.Join(r.dir.path, info.Name()), info); e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// classify marks connection failures retryable.
func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, io.ErrUnexpectedEOF) {
		return retry.Retryable(err)
	}
	return err
}
