// Package attachment moves participant-supplied files from their temporary
// chat URLs into durable storage.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// maxSize caps a single download.
	maxSize = 20 << 20
	// stagingDir holds partial downloads. It lives inside Dir so the final
	// rename stays on one filesystem; ServeFS never exposes it.
	stagingDir = ".incoming"
)

var ErrBlockedAddress = errors.New("address is not publicly routable")

// Store relocates a source URL and returns the permanent reference. Discard
// removes a reference that ended up unused.
type Store interface {
	Relocate(ctx context.Context, sourceURL string) (string, error)
	Discard(ctx context.Context, ref string) error
}

// FetchError reports a failed relocation. The source is untouched and the
// call can be retried.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch attachment %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DiskStore downloads attachments into Dir and serves them under BaseURL.
type DiskStore struct {
	Dir     string
	BaseURL string
	// Hosts, when set, lists the hosts sources may come from. An entry
	// also admits its subdomains.
	Hosts  []string
	Client *http.Client
	Log    logrus.FieldLogger
	// AllowPrivateNetworks lifts the public-address check. Local
	// development only.
	AllowPrivateNetworks bool
}

func NewDiskStore(dir, baseURL string, hosts []string, log logrus.FieldLogger) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, stagingDir), 0755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &DiskStore{
		Dir:     dir,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Hosts:   hosts,
		Log:     log,
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: s.checkDial}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	s.Client = &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return s.checkURL(req.URL)
		},
	}
	return s, nil
}

// checkDial runs after name resolution, so it sees the address actually
// dialed, including after redirects.
func (s *DiskStore) checkDial(network, address string, _ syscall.RawConn) error {
	if s.AllowPrivateNetworks {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !publicAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsGlobalUnicast() && !a.IsPrivate() && !a.IsLoopback() && !a.IsLinkLocalUnicast()
}

func (s *DiskStore) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("missing host")
	}
	if addr, err := netip.ParseAddr(host); err == nil && !s.AllowPrivateNetworks && !publicAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	if len(s.Hosts) == 0 {
		return nil
	}
	for _, allowed := range s.Hosts {
		allowed = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(allowed), "."))
		if allowed != "" && (host == allowed || strings.HasSuffix(host, "."+allowed)) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not an allowed attachment source", host)
}

func (s *DiskStore) Relocate(ctx context.Context, sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	if err := s.checkURL(u); err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &FetchError{URL: sourceURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	name := uuid.NewString() + extension(u, resp.Header.Get("Content-Type"))
	final := filepath.Join(s.Dir, name)
	tmp, err := os.CreateTemp(filepath.Join(s.Dir, stagingDir), "part-*")
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > maxSize {
		err = fmt.Errorf("larger than %d bytes", maxSize)
	}
	if err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", &FetchError{URL: sourceURL, Err: err}
	}

	ref := s.BaseURL + "/" + name
	s.Log.WithFields(logrus.Fields{"source": sourceURL, "ref": ref, "bytes": n}).Debug("attachment relocated")
	return ref, nil
}

// Discard deletes the file behind a reference returned by Relocate.
// References this store did not issue are ignored.
func (s *DiskStore) Discard(ctx context.Context, ref string) error {
	name, ok := strings.CutPrefix(ref, s.BaseURL+"/")
	if !ok || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil
	}
	err := os.Remove(filepath.Join(s.Dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard attachment %s: %w", ref, err)
	}
	s.Log.WithField("ref", ref).Debug("attachment discarded")
	return nil
}

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// extension picks a file extension only when it names an image type, so
// relocated files are never served as markup or scripts.
func extension(u *url.URL, contentType string) string {
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
		if strings.HasPrefix(mime.TypeByExtension(ext), "image/") {
			return ext
		}
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ""
	}
	if ext, ok := imageExtensions[mediaType]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ServeFS exposes relocated files only: no directory listings and nothing
// under a dot-prefixed name, which keeps the staging area private.
func ServeFS(dir string) http.FileSystem {
	return servedDir{http.Dir(dir)}
}

type servedDir struct{ root http.Dir }

func (d servedDir) Open(name string) (http.File, error) {
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "" || strings.HasPrefix(part, ".") {
			return nil, fs.ErrNotExist
		}
	}
	f, err := d.root.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

// Passthrough keeps the source URL as the permanent reference. It suits
// sources that are already durable, such as form uploads.
type Passthrough struct{}

func (Passthrough) Relocate(ctx context.Context, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", &FetchError{URL: sourceURL, Err: fmt.Errorf("empty url")}
	}
	return sourceURL, nil
}

func (Passthrough) Discard(ctx context.Context, ref string) error { return nil }
