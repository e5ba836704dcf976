package attachment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) (*DiskStore, string) {
	t.Helper()
	log, _ := test.NewNullLogger()
	dir := t.TempDir()
	store, err := NewDiskStore(dir, "/attachments/", nil, log)
	require.NoError(t, err)
	// httptest servers listen on loopback.
	store.AllowPrivateNetworks = true
	return store, dir
}

// storedFiles lists relocated files, ignoring the staging area.
func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestDiskStoreRelocate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	store, dir := newLocalStore(t)

	ref, err := store.Relocate(context.Background(), srv.URL+"/shot.PNG?ex=1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "/attachments/"), ref)
	assert.True(t, strings.HasSuffix(ref, ".png"), ref)

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(ref, "/attachments/")))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = store.Relocate(context.Background(), srv.URL+"/missing.png")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, srv.URL+"/missing.png", fe.URL)

	_, err = store.Relocate(context.Background(), "file:///etc/passwd")
	require.ErrorAs(t, err, &fe)

	// Failed fetches leave no files behind, staged or final.
	assert.Len(t, storedFiles(t, dir), 1)
	staged, err := os.ReadDir(filepath.Join(dir, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestDiskStoreRefusesPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("INTERNAL-SECRET"))
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	dir := t.TempDir()
	store, err := NewDiskStore(dir, "/attachments", nil, log)
	require.NoError(t, err)

	for _, src := range []string{
		srv.URL + "/secret",
		"http://127.0.0.1:1/x.png",
		"http://10.0.0.8/x.png",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]:8080/x.png",
	} {
		_, err := store.Relocate(context.Background(), src)
		var fe *FetchError
		require.ErrorAs(t, err, &fe, src)
		assert.ErrorIs(t, err, ErrBlockedAddress, src)
	}
	assert.Empty(t, storedFiles(t, dir))
}

func TestDiskStoreDialGuard(t *testing.T) {
	store, _ := newLocalStore(t)
	store.AllowPrivateNetworks = false

	assert.ErrorIs(t, store.checkDial("tcp", "127.0.0.1:443", nil), ErrBlockedAddress)
	assert.ErrorIs(t, store.checkDial("tcp", "192.168.1.5:443", nil), ErrBlockedAddress)
	assert.ErrorIs(t, store.checkDial("tcp", "[fe80::1]:443", nil), ErrBlockedAddress)
	assert.ErrorIs(t, store.checkDial("tcp", "[::ffff:127.0.0.1]:443", nil), ErrBlockedAddress)
	assert.NoError(t, store.checkDial("tcp", "93.184.216.34:443", nil))
}

func TestDiskStoreHostAllowlist(t *testing.T) {
	store, _ := newLocalStore(t)
	store.Hosts = []string{"cdn.discordapp.com", ".example.org"}

	for raw, ok := range map[string]bool{
		"https://cdn.discordapp.com/a.png":       true,
		"https://media.cdn.discordapp.com/a.png": true,
		"https://img.example.org/a.png":          true,
		"https://example.org/a.png":              true,
		"https://evil-discordapp.com/a.png":      false,
		"https://example.org.evil.net/a.png":     false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		if ok {
			assert.NoError(t, store.checkURL(u), raw)
		} else {
			assert.Error(t, store.checkURL(u), raw)
		}
	}
}

func TestDiskStoreDiscard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpg"))
	}))
	defer srv.Close()

	store, dir := newLocalStore(t)
	ctx := context.Background()

	ref, err := store.Relocate(ctx, srv.URL+"/photo")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".jpg"), ref)
	require.Len(t, storedFiles(t, dir), 1)

	require.NoError(t, store.Discard(ctx, ref))
	assert.Empty(t, storedFiles(t, dir))
	assert.NoError(t, store.Discard(ctx, ref), "discarding twice is fine")

	// Foreign or crafted references never touch the disk.
	outside := filepath.Join(filepath.Dir(dir), "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	assert.NoError(t, store.Discard(ctx, "/attachments/../keep.txt"))
	assert.NoError(t, store.Discard(ctx, "https://drive.example/abc"))
	assert.FileExists(t, outside)
}

func TestExtensionOnlyForImages(t *testing.T) {
	for _, tc := range []struct {
		path, contentType, want string
	}{
		{"/a.PNG", "", ".png"},
		{"/a.html", "text/html", ""},
		{"/notes", "text/plain; charset=utf-8", ""},
		{"/a.svg.txt", "", ""},
		{"/photo", "image/jpeg", ".jpg"},
		{"/photo", "image/webp", ".webp"},
		{"/page.html", "image/png", ".png"},
	} {
		u := &url.URL{Path: tc.path}
		assert.Equal(t, tc.want, extension(u, tc.contentType), "%s %s", tc.path, tc.contentType)
	}
}

func TestServeFSHidesStagingAndListings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, stagingDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stagingDir, "part-1"), []byte("half"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.png"), []byte("img"), 0644))

	fsys := ServeFS(dir)
	for _, name := range []string{"/", "/" + stagingDir, "/" + stagingDir + "/part-1"} {
		_, err := fsys.Open(name)
		assert.True(t, errors.Is(err, os.ErrNotExist), name)
	}
	f, err := fsys.Open("/done.png")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "img", string(data))
}

func TestPassthrough(t *testing.T) {
	ref, err := Passthrough{}.Relocate(context.Background(), "https://drive.example/abc")
	require.NoError(t, err)
	assert.Equal(t, "https://drive.example/abc", ref)
	assert.NoError(t, Passthrough{}.Discard(context.Background(), ref))

	_, err = Passthrough{}.Relocate(context.Background(), "")
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}
