package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/EPiC-Inc/vaporous/pkg/client"
)

type result struct {
	out, err string
}

// runApp executes the command line with an isolated config and session.
func runApp(t *testing.T, dir, stdin string, args ...string) (result, error) {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte("log_level: error\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	var out, errOut bytes.Buffer
	a := NewForTesting(&out, &errOut, strings.NewReader(stdin), filepath.Join(dir, "session.json"))
	cmd := a.Command()
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return result{out: out.String(), err: errOut.String()}, err
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// uploadServer answers POST /upload with one result per file part.
type uploadServer struct {
	hits     atomic.Int32
	mu       sync.Mutex
	paths    []string
	names    []string
	cookie   string
	rejected map[string]bool
}

func (s *uploadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/upload" {
		http.NotFound(w, r)
		return
	}
	s.hits.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ck, err := r.Cookie("session_id"); err == nil {
		s.cookie = ck.Value
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.paths = append(s.paths, r.FormValue("file_path"))
	var out [][]any
	for _, fh := range r.MultipartForm.File["files"] {
		s.names = append(s.names, fh.Filename)
		if s.rejected[fh.Filename] {
			out = append(out, []any{false, "File type not allowed"})
			continue
		}
		out = append(out, []any{true, "Success!"})
	}
	json.NewEncoder(w).Encode(out)
}

func TestVersion(t *testing.T) {
	res, err := runApp(t, t.TempDir(), "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if res.out != "vaporous test\n" {
		t.Errorf("unexpected output %q", res.out)
	}
}

func TestLs_LocalTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":     "abc",
		"sub/b.txt": "defg",
		".hidden":   "x",
	})

	res, err := runApp(t, t.TempDir(), "", "ls", root)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(res.out, "a.txt") || !strings.Contains(res.out, "b.txt") {
		t.Errorf("expected both files listed:\n%s", res.out)
	}
	if strings.Contains(res.out, ".hidden") {
		t.Errorf("hidden file should be filtered:\n%s", res.out)
	}
	if !strings.Contains(res.out, "total 2 files, 7 B") {
		t.Errorf("expected totals line:\n%s", res.out)
	}
}

func TestLs_Flags(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":     "abc",
		"b.tmp":     "tmp",
		".hidden":   "x",
		"sub/c.txt": "c",
	})

	res, err := runApp(t, t.TempDir(), "", "ls", root, "--exclude", "**/*.tmp", "--hidden", "--concurrency", "2")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if strings.Contains(res.out, "b.tmp") {
		t.Errorf("excluded file listed:\n%s", res.out)
	}
	if !strings.Contains(res.out, ".hidden") {
		t.Errorf("expected hidden file with --hidden:\n%s", res.out)
	}
	if !strings.Contains(res.out, "total 3 files") {
		t.Errorf("expected 3 files:\n%s", res.out)
	}
}

func TestHelp_MentionsHiddenDefault(t *testing.T) {
	for _, name := range []string{"ls", "upload"} {
		res, err := runApp(t, t.TempDir(), "", name, "--help")
		if err != nil {
			t.Fatalf("%s --help: %v", name, err)
		}
		if !strings.Contains(res.out, "Dot-files and dot-directories are skipped unless --hidden") {
			t.Errorf("%s help should explain the hidden default:\n%s", name, res.out)
		}
		if !strings.Contains(res.out, "(skipped by default)") {
			t.Errorf("%s help should describe --hidden:\n%s", name, res.out)
		}
	}
}

func TestLs_MissingSource(t *testing.T) {
	_, err := runApp(t, t.TempDir(), "", "ls", filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestLs_UnknownScheme(t *testing.T) {
	_, err := runApp(t, t.TempDir(), "", "ls", "ftp://host/path")
	if err == nil || !strings.Contains(err.Error(), "unknown source scheme") {
		t.Fatalf("expected unknown scheme error, got %v", err)
	}
}

func TestUpload_EndToEnd(t *testing.T) {
	srv := &uploadServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dir := t.TempDir()
	err := client.SaveSession(filepath.Join(dir, "session.json"), &client.Session{
		Server:    ts.URL,
		Username:  "alice",
		SessionID: "sess-abc",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	root := writeTree(t, map[string]string{
		"a.jpg":           "jpeg",
		"trip/day1/b.jpg": "jpeg2",
	})

	res, err := runApp(t, dir, "", "--server", ts.URL, "upload", root, "--dest", "/photos")
	if err != nil {
		t.Fatalf("upload: %v\nstderr: %s", err, res.err)
	}
	if srv.hits.Load() != 1 {
		t.Errorf("expected 1 request, got %d", srv.hits.Load())
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.paths) != 1 || srv.paths[0] != "/photos" {
		t.Errorf("expected file_path /photos, got %v", srv.paths)
	}
	if len(srv.names) != 2 {
		t.Errorf("expected 2 flattened files, got %v", srv.names)
	}
	if srv.cookie != "sess-abc" {
		t.Errorf("expected saved session cookie, got %q", srv.cookie)
	}
	if !strings.Contains(res.out, "2 uploaded, 0 failed, 0 skipped") {
		t.Errorf("unexpected summary:\n%s", res.out)
	}
}

func TestUpload_FailureIsError(t *testing.T) {
	srv := &uploadServer{rejected: map[string]bool{"bad.exe": true}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	root := writeTree(t, map[string]string{"bad.exe": "MZ", "ok.txt": "ok"})
	res, err := runApp(t, t.TempDir(), "", "--server", ts.URL, "upload", root)
	if err == nil {
		t.Fatal("expected error when a file fails")
	}
	if !strings.Contains(err.Error(), "1 of 2 files failed") {
		t.Errorf("unexpected error %v", err)
	}
	if !strings.Contains(res.out, "bad.exe: File type not allowed") {
		t.Errorf("expected per-file failure:\n%s", res.out)
	}
}

func TestUpload_DryRun(t *testing.T) {
	srv := &uploadServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	root := writeTree(t, map[string]string{"a.txt": "a"})
	res, err := runApp(t, t.TempDir(), "", "--server", ts.URL, "upload", root, "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if srv.hits.Load() != 0 {
		t.Error("dry run must not contact the server")
	}
	if !strings.Contains(res.out, "total 1 files") {
		t.Errorf("expected listing:\n%s", res.out)
	}
}

func TestUpload_InvalidCompression(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "a"})
	_, err := runApp(t, t.TempDir(), "", "upload", root, "--compression", "12")
	if err == nil || !strings.Contains(err.Error(), "compression") {
		t.Fatalf("expected compression error, got %v", err)
	}
}

func TestUpload_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"You may not upload anonymously!"}`))
	}))
	defer ts.Close()

	root := writeTree(t, map[string]string{"a.txt": "a"})
	_, err := runApp(t, t.TempDir(), "", "--server", ts.URL, "upload", root)
	if err == nil || !strings.Contains(err.Error(), "anonymously") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestLogin_SavesSession(t *testing.T) {
	var gotUser, gotPass string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		gotUser, gotPass = r.FormValue("username"), r.FormValue("password")
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "new-session", MaxAge: 3600})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}))
	defer ts.Close()

	dir := t.TempDir()
	res, err := runApp(t, dir, "alice\nhunter2\n", "--server", ts.URL, "login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if gotUser != "alice" || gotPass != "hunter2" {
		t.Errorf("unexpected credentials %q/%q", gotUser, gotPass)
	}
	s, err := client.LoadSession(filepath.Join(dir, "session.json"))
	if err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	if s.SessionID != "new-session" || s.Username != "alice" || s.Server != ts.URL {
		t.Errorf("unexpected session %+v", s)
	}
	if !strings.Contains(res.out, "Logged in as alice") {
		t.Errorf("unexpected output:\n%s", res.out)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login</html>"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	_, err := runApp(t, dir, "", "--server", ts.URL, "login", "--username", "alice")
	if err == nil || !strings.Contains(err.Error(), "incorrect") {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session.json")); !os.IsNotExist(err) {
		t.Error("no session should be saved on failure")
	}
}

func TestLogout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	if err := client.SaveSession(path, &client.Session{Server: "http://x", SessionID: "s"}); err != nil {
		t.Fatal(err)
	}

	res, err := runApp(t, dir, "", "logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected session file removed")
	}
	if !strings.Contains(res.out, "Logged out") {
		t.Errorf("unexpected output %q", res.out)
	}

	res, err = runApp(t, dir, "", "logout")
	if err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if !strings.Contains(res.out, "No saved session") {
		t.Errorf("unexpected output %q", res.out)
	}
}

func TestDropWatcher_Settle(t *testing.T) {
	dir := t.TempDir()
	d, err := newDropWatcher(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	t0 := time.Now()
	d.handle(fsnotify.Event{Name: filepath.Join(dir, "album", "a.jpg"), Op: fsnotify.Write}, t0)
	d.handle(fsnotify.Event{Name: filepath.Join(dir, "single.txt"), Op: fsnotify.Create}, t0)
	d.handle(fsnotify.Event{Name: filepath.Join(t.TempDir(), "elsewhere"), Op: fsnotify.Create}, t0)

	if got := d.ready(t0.Add(time.Second), 2*time.Second); len(got) != 0 {
		t.Errorf("nothing should be ready yet, got %v", got)
	}

	// A later write inside the album restarts its quiet period.
	d.handle(fsnotify.Event{Name: filepath.Join(dir, "album", "b.jpg"), Op: fsnotify.Create}, t0.Add(time.Second))

	got := d.ready(t0.Add(2*time.Second), 2*time.Second)
	if len(got) != 1 || got[0] != filepath.Join(dir, "single.txt") {
		t.Errorf("expected only single.txt ready, got %v", got)
	}
	got = d.ready(t0.Add(3*time.Second), 2*time.Second)
	if len(got) != 1 || got[0] != filepath.Join(dir, "album") {
		t.Errorf("expected album ready, got %v", got)
	}
}

func TestDropWatcher_RemoveForgets(t *testing.T) {
	dir := t.TempDir()
	d, err := newDropWatcher(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	p := filepath.Join(dir, "tmp.part")
	d.handle(fsnotify.Event{Name: p, Op: fsnotify.Create}, time.Now())
	d.handle(fsnotify.Event{Name: p, Op: fsnotify.Remove}, time.Now())
	if got := d.ready(time.Now().Add(time.Hour), time.Second); len(got) != 0 {
		t.Errorf("removed entry should be forgotten, got %v", got)
	}
}

func TestDropWatcher_NotADirectory(t *testing.T) {
	root := writeTree(t, map[string]string{"f": "x"})
	if _, err := newDropWatcher(filepath.Join(root, "f")); err == nil {
		t.Error("expected error watching a file")
	}
}

func TestTickInterval(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		time.Nanosecond:        minTick,
		time.Millisecond:       minTick,
		2 * time.Second:        time.Second,
		100 * time.Millisecond: 50 * time.Millisecond,
	}
	for settle, want := range cases {
		if got := tickInterval(settle); got != want {
			t.Errorf("tickInterval(%v) = %v, want %v", settle, got, want)
		}
	}
}

func TestWatch_TinySettle(t *testing.T) {
	var out bytes.Buffer
	a := NewForTesting(&out, &out, strings.NewReader(""), filepath.Join(t.TempDir(), "session.json"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.watch(ctx, t.TempDir(), time.Nanosecond, &collectFlags{}, &uploadFlags{dest: "/"}, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out.String(), "Watching") {
		t.Errorf("unexpected output %q", out.String())
	}
}
