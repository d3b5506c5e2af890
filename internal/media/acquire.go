package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
)

// DefaultAllowedHosts are the URL hosts accepted when none are configured.
var DefaultAllowedHosts = []string{"youtube.com", "youtu.be"}

var supportedExt = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true, ".avi": true, ".m4v": true,
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".ogg": true,
}

var youtubeID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Media is an acquired or resolvable source. Path is empty until the source
// is available on local disk.
type Media struct {
	Fingerprint string `json:"fingerprint"`
	Source      string `json:"source"`
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
}

type AcquirerConfig struct {
	WorkDir         string
	AllowedHosts    []string
	DownloadTimeout time.Duration
}

type Acquirer struct {
	dir     string
	hosts   []string
	timeout time.Duration
	dl      ports.Downloader
	group   singleflight.Group
}

func NewAcquirer(cfg AcquirerConfig, dl ports.Downloader) *Acquirer {
	hosts := cfg.AllowedHosts
	if len(hosts) == 0 {
		hosts = DefaultAllowedHosts
	}
	norm := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			norm = append(norm, strings.TrimPrefix(h, "www."))
		}
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Minute
	}
	return &Acquirer{
		dir:     filepath.Join(cfg.WorkDir, "media"),
		hosts:   norm,
		timeout: cfg.DownloadTimeout,
		dl:      dl,
	}
}

// StoreUpload streams r to disk while hashing it. Identical uploads end up
// in the same content-addressed file.
func (a *Acquirer) StoreUpload(ctx context.Context, name string, r io.Reader) (Media, error) {
	const op = "store upload"
	ext := strings.ToLower(filepath.Ext(name))
	if !supportedExt[ext] {
		return Media{}, faults.Newf(faults.AcquisitionFailed, op, "unsupported file type %q", ext)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return Media{}, faults.Wrap(faults.Internal, op, err)
	}
	tmp, err := os.CreateTemp(a.dir, "upload-*"+ext+".part")
	if err != nil {
		return Media{}, faults.Wrap(faults.Internal, op, err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return Media{}, faults.Wrap(faults.Cancelled, op, ctx.Err())
		}
		return Media{}, faults.Wrap(faults.AcquisitionFailed, op, err)
	}
	if n == 0 {
		return Media{}, faults.New(faults.AcquisitionFailed, op, "upload is empty")
	}

	sum := hex.EncodeToString(h.Sum(nil))
	final := filepath.Join(a.dir, sum+ext)
	if _, err := os.Stat(final); err != nil {
		if err := os.Rename(tmp.Name(), final); err != nil {
			return Media{}, faults.Wrap(faults.Internal, op, err)
		}
	}
	return Media{Fingerprint: "sha256:" + sum, Source: filepath.Base(name), Path: final}, nil
}

// Resolve validates a remote URL and computes its fingerprint without
// touching the network.
func (a *Acquirer) Resolve(raw string) (Media, error) {
	const op = "resolve url"
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Media{}, faults.Wrap(faults.AcquisitionFailed, op, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Media{}, faults.Newf(faults.AcquisitionFailed, op, "scheme must be http or https, got %q", u.Scheme)
	}
	if u.User != nil {
		return Media{}, faults.New(faults.AcquisitionFailed, op, "url must not contain credentials")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return Media{}, faults.New(faults.AcquisitionFailed, op, "url has no host")
	}
	if !a.hostAllowed(host) {
		return Media{}, faults.Newf(faults.AcquisitionFailed, op, "host %q is not allowed", host)
	}
	return Media{Fingerprint: urlFingerprint(u, host), Source: u.String(), URL: u.String()}, nil
}

func (a *Acquirer) hostAllowed(host string) bool {
	for _, h := range a.hosts {
		if h == "*" || host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Local resolves a caller-supplied path to a file this acquirer stored.
// Paths outside the media directory are rejected before they are touched.
func (a *Acquirer) Local(p string) (string, error) {
	const op = "resolve video"
	outside := faults.New(faults.InvalidInput, op, "video_ref must name media stored by this service")
	root, err := filepath.Abs(a.dir)
	if err != nil {
		return "", faults.Wrap(faults.Internal, op, err)
	}
	abs, err := filepath.Abs(strings.TrimSpace(p))
	if err != nil || !within(root, abs) {
		return "", outside
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", faults.New(faults.InvalidInput, op, "video_ref does not exist")
	}
	if !within(root, real) {
		return "", outside
	}
	if st, err := os.Stat(real); err != nil || !st.Mode().IsRegular() {
		return "", faults.New(faults.InvalidInput, op, "video_ref does not exist")
	}
	return abs, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Fetch makes sure m is on local disk and returns its path. Downloads are
// reused across calls for the same fingerprint, and concurrent calls share
// one download.
func (a *Acquirer) Fetch(ctx context.Context, m Media) (string, error) {
	const op = "fetch media"
	if m.Path != "" {
		if _, err := os.Stat(m.Path); err != nil {
			return "", faults.Wrap(faults.AcquisitionFailed, op, err)
		}
		return m.Path, nil
	}
	if m.URL == "" {
		return "", faults.New(faults.AcquisitionFailed, op, "media has neither a path nor a url")
	}

	for {
		ch := a.group.DoChan(m.Fingerprint, func() (any, error) { return a.download(ctx, m) })
		select {
		case <-ctx.Done():
			return "", faults.Wrap(faults.Cancelled, op, ctx.Err())
		case r := <-ch:
			// The caller that started the download went away; start over.
			if r.Err != nil && faults.Is(r.Err, faults.Cancelled) && ctx.Err() == nil {
				continue
			}
			if r.Err != nil {
				return "", r.Err
			}
			return r.Val.(string), nil
		}
	}
}

func (a *Acquirer) download(ctx context.Context, m Media) (string, error) {
	const op = "fetch media"
	outDir := filepath.Join(a.dir, dirKey(m.Fingerprint))
	if p := existingDownload(outDir); p != "" {
		return p, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", faults.Wrap(faults.Internal, op, err)
	}

	dctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	p, err := a.dl.Download(dctx, m.URL, outDir)
	if err != nil {
		if ctx.Err() != nil {
			return "", faults.Wrap(faults.Cancelled, op, ctx.Err())
		}
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return "", faults.Newf(faults.AcquisitionFailed, op, "download timed out after %s", a.timeout)
		}
		return "", faults.Wrap(faults.AcquisitionFailed, op, err)
	}
	return p, nil
}

func existingDownload(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "video.*"))
	sort.Strings(matches)
	for _, p := range matches {
		if ext := filepath.Ext(p); ext == ".part" || ext == ".ytdl" {
			continue
		}
		if st, err := os.Stat(p); err == nil && st.Size() > 0 {
			return p
		}
	}
	return ""
}

func urlFingerprint(u *url.URL, host string) string {
	if id := youtubeVideoID(u, host); id != "" {
		return "youtube:" + id
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s%s", strings.ToLower(u.Scheme), host, strings.TrimSuffix(u.EscapedPath(), "/"))
	for i, k := range keys {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		for _, v := range q[k] {
			b.WriteString(sep + url.QueryEscape(k) + "=" + url.QueryEscape(v))
			sep = "&"
		}
	}
	return "url:" + b.String()
}

func youtubeVideoID(u *url.URL, host string) string {
	var id string
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case host == "youtu.be":
		id = parts[0]
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		switch {
		case len(parts) == 1 && parts[0] == "watch":
			id = u.Query().Get("v")
		case len(parts) >= 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live" || parts[0] == "v"):
			id = parts[1]
		}
	}
	if youtubeID.MatchString(id) {
		return id
	}
	return ""
}

// dirKey is a filesystem-safe directory name for a fingerprint.
func dirKey(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])[:16]
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
