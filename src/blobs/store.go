package blobs

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
	"github.com/sirupsen/logrus"
)

const (
	blobsDir   = "blobs"
	filesDir   = "files"
	metaSuffix = ".meta"
	tmpPrefix  = ".tmp-"
)

// Seqno hands out the seqnos stamped on new blobs. Done is called once the
// sidecar carrying a seqno is on disk.
type Seqno interface {
	Next() int64
	Done(seqnos ...int64)
}

// PostOptions ...
type PostOptions struct {
	// MimeType defaults to application/octet-stream.
	MimeType string

	// AssertDigest, if set, must match the digest of the posted body.
	AssertDigest string

	// Meta holds extra sidecar headers.
	Meta Meta
}

// Store keeps content-addressed blobs under blobs/ and path-addressed ones
// under files/, each body next to its ".meta" sidecar. The mtime of every
// sidecar is the seqno of the blob.
type Store struct {
	root    string
	seqno   Seqno
	reserve uint64

	mu     sync.Mutex
	logger *logrus.Entry
}

// NewStore creates the directory layout under root. reserve is the number of
// bytes that must stay free on the filesystem for writes to succeed.
func NewStore(root string, seqno Seqno, reserve uint64, logger *logrus.Entry) (*Store, error) {
	for _, d := range []string{blobsDir, filesDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			return nil, err
		}
	}
	return &Store{
		root:    root,
		seqno:   seqno,
		reserve: reserve,
		logger:  logger,
	}, nil
}

// Root ...
func (s *Store) Root() string {
	return s.root
}

// FilesRoot is the top of the path-addressed tree.
func (s *Store) FilesRoot() string {
	return filepath.Join(s.root, filesDir)
}

// IsDigest reports whether key addresses a blob by content.
func IsDigest(key string) bool {
	if len(key) != 2*sha1.Size {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// Post stores the body read from r under its SHA-1 digest. Posting a body
// that is already stored returns the existing blob.
func (s *Store) Post(r io.Reader, opts PostOptions) (*Blob, error) {
	if err := s.checkFree(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, blobsDir), tmpPrefix+"*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hash := sha1.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if opts.AssertDigest != "" && opts.AssertDigest != digest {
		return nil, common.Errorf("blobs.Post", common.BadRequest,
			"digest mismatch, expected %s got %s", opts.AssertDigest, digest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	body := s.contentPath(digest)
	if existing, err := s.read(digest, body); err == nil && existing.Path != "" {
		return existing, nil
	}

	if err := os.MkdirAll(filepath.Dir(body), 0755); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, body); err != nil {
		return nil, fmt.Errorf("placing blob: %w", err)
	}

	meta := Meta{
		{HeaderContentType, mimeOr(opts.MimeType, "")},
		{HeaderContentLength, strconv.FormatInt(size, 10)},
	}
	meta.Update(opts.Meta)
	return s.commitNext(digest, body, meta)
}

// PostURL registers an external blob: a sidecar without body that redirects
// to url.
func (s *Store) PostURL(url string, extra Meta) (*Blob, error) {
	sum := sha1.Sum([]byte(url))
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	body := s.contentPath(digest)
	os.Remove(body)

	meta := Meta{
		{HeaderStatus, StatusMoved},
		{HeaderLocation, url},
		{HeaderContentLength, "0"},
	}
	meta.Update(extra)
	return s.commitNext(digest, body, meta)
}

// PostBlob places the body of an existing handle, usually a file spooled by
// the packet decoder, by hard-linking it under its digest. The stored blob
// gets a fresh seqno.
func (s *Store) PostBlob(in *Blob, extra Meta) (*Blob, error) {
	if in.Path == "" {
		return nil, common.Errorf("blobs.PostBlob", common.BadRequest, "%s has no body", in.Key)
	}
	if err := s.checkFree(); err != nil {
		return nil, err
	}

	digest, size, err := fileDigest(in.Path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	body := s.contentPath(digest)
	if err := os.MkdirAll(filepath.Dir(body), 0755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(body); os.IsNotExist(err) {
		if err := linkOrCopy(in.Path, body); err != nil {
			return nil, err
		}
	}

	meta := in.Meta.Clone()
	meta.Del(HeaderDigest)
	meta.Del(HeaderPath)
	meta.Del(HeaderStatus)
	meta.Del(HeaderLocation)
	meta.Update(extra)
	meta.Set(HeaderContentType, mimeOr(meta.Get(HeaderContentType), ""))
	meta.Set(HeaderContentLength, strconv.FormatInt(size, 10))
	return s.commitNext(digest, body, meta)
}

// PostFile writes a path-addressed blob.
func (s *Store) PostFile(path string, r io.Reader, extra Meta) (*Blob, error) {
	body, err := s.filePath(path)
	if err != nil {
		return nil, err
	}
	if err := s.checkFree(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(body), 0755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(body), tmpPrefix+"*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(tmpPath, body); err != nil {
		return nil, err
	}

	meta := Meta{
		{HeaderContentType, mimeOr(extra.Get(HeaderContentType), path)},
		{HeaderContentLength, strconv.FormatInt(size, 10)},
	}
	meta.Update(extra)
	meta.Set(HeaderPath, path)
	return s.commitNext(path, body, meta)
}

// Get resolves a 40-hex key by content and anything else by path. A file
// dropped under files/ without a sidecar is registered on first access.
func (s *Store) Get(key string) (*Blob, error) {
	if IsDigest(key) {
		return s.read(key, s.contentPath(key))
	}

	body, err := s.filePath(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.read(key, body)
	if common.IsKind(err, common.NotFound) {
		if info, serr := os.Stat(body); serr == nil && info.Mode().IsRegular() {
			return s.register(key, body, info)
		}
	}
	return blob, err
}

// Update merges headers into the sidecar of key. The seqno is preserved.
func (s *Store) Update(key string, patch Meta) (*Blob, error) {
	blob, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	patch = patch.Clone()
	patch.Del(HeaderSeqno)
	blob.Meta.Update(patch)

	return s.commit(blob.Key, s.bodyOf(blob), blob.Meta)
}

// Delete turns key into a tombstone with a fresh seqno.
func (s *Store) Delete(key string) (*Blob, error) {
	blob, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	body := s.bodyOf(blob)
	if err := os.Remove(body); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	meta := Meta{}
	if blob.PathAddressed() {
		meta.Set(HeaderPath, blob.Key)
	}
	meta.Set(HeaderStatus, StatusGone)
	meta.Set(HeaderContentLength, "0")
	s.logger.WithField("key", key).Debug("Blob deleted")

	return s.commitNext(blob.Key, body, meta)
}

// Walk calls fn for every path-addressed blob under path whose seqno is in
// include. Only direct children are visited unless recursive is set.
func (s *Store) Walk(path string, include ranges.Ranges, recursive bool, fn func(*Blob) error) error {
	top, err := s.filePath(path)
	if err != nil {
		return err
	}
	blobs, err := s.scanFiles(top, include, recursive)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Diff returns, in seqno order, the blobs whose seqno is in r. Path-addressed
// blobs are limited to those under path. Files without a sidecar are
// registered on the way.
func (s *Store) Diff(r ranges.Ranges, path string) ([]*Blob, error) {
	var res []*Blob

	if path == "" {
		content, err := s.scanContent(r)
		if err != nil {
			return nil, err
		}
		res = append(res, content...)
	}

	top, err := s.filePath(path)
	if err != nil {
		return nil, err
	}
	files, err := s.scanFiles(top, r, true)
	if err != nil {
		return nil, err
	}
	res = append(res, files...)

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Seqno() < res[j].Seqno()
	})
	return res, nil
}

// Patch places an incoming blob. A blob without body, or marked gone,
// becomes a tombstone. With shift the stored blob gets a fresh seqno,
// otherwise seqno 0 so it never leaves this node again. A blob already
// stored as received is left alone and reported as not written.
func (s *Store) Patch(in *Blob, shift bool) (*Blob, bool, error) {
	meta := in.Meta.Clone()
	meta.Del(HeaderDigest)
	meta.Del(HeaderSeqno)

	key := in.Key
	var body string
	if path := meta.Get(HeaderPath); path != "" {
		var err error
		if body, err = s.filePath(path); err != nil {
			return nil, false, err
		}
		key = path
	} else if IsDigest(key) {
		body = s.contentPath(key)
	} else {
		return nil, false, common.Errorf("blobs.Patch", common.BadRequest, "cannot address blob %q", key)
	}

	var digest string
	switch {
	case meta.Get(HeaderStatus) == StatusMoved:
		meta.Set(HeaderContentLength, "0")

	case meta.Get(HeaderStatus) == StatusGone || in.Path == "":
		meta.Set(HeaderStatus, StatusGone)
		meta.Set(HeaderContentLength, "0")

	default:
		if err := s.checkFree(); err != nil {
			return nil, false, err
		}
		var size int64
		var err error
		digest, size, err = fileDigest(in.Path)
		if err != nil {
			return nil, false, err
		}
		if !meta.Has(HeaderPath) && digest != key {
			return nil, false, common.Errorf("blobs.Patch", common.BadRequest,
				"digest mismatch, expected %s got %s", key, digest)
		}
		meta.Del(HeaderStatus)
		meta.Set(HeaderContentLength, strconv.FormatInt(size, 10))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, err := s.read(key, body); err == nil && unchanged(current, meta, digest) {
		return current, false, nil
	}

	if digest == "" {
		os.Remove(body)
	} else {
		if err := os.MkdirAll(filepath.Dir(body), 0755); err != nil {
			return nil, false, err
		}
		if err := moveFile(in.Path, body); err != nil {
			return nil, false, err
		}
	}

	var blob *Blob
	var err error
	if shift {
		blob, err = s.commitNext(key, body, meta)
	} else {
		meta.Set(HeaderSeqno, "0")
		blob, err = s.commit(key, body, meta)
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// unchanged reports whether current already holds what meta describes.
// digest is the one of the incoming body, empty when there is none.
func unchanged(current *Blob, meta Meta, digest string) bool {
	status := meta.Get(HeaderStatus)
	if current.Meta.Get(HeaderStatus) != status {
		return false
	}
	switch status {
	case StatusGone:
		return true
	case StatusMoved:
		return current.Location() == meta.Get(HeaderLocation)
	}
	if current.Path == "" || current.Size() != meta.Int(HeaderContentLength) {
		return false
	}
	if !current.PathAddressed() {
		// the key is the digest
		return true
	}
	have, _, err := fileDigest(current.Path)
	return err == nil && have == digest
}

// register gives a sidecar and a seqno to a file found under files/.
// note: must hold s.mu
func (s *Store) register(key, body string, info fs.FileInfo) (*Blob, error) {
	meta := Meta{
		{HeaderContentType, mimeOr("", key)},
		{HeaderContentLength, strconv.FormatInt(info.Size(), 10)},
		{HeaderPath, key},
	}
	blob, err := s.commitNext(key, body, meta)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"path":  key,
		"seqno": blob.Seqno(),
	}).Debug("Registered file")
	return blob, nil
}

// Register gives a fresh seqno to a file under files/ that was created or
// rewritten behind the store's back. Files whose sidecar already matches are
// left alone.
func (s *Store) Register(path string) (*Blob, error) {
	body, err := s.filePath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(body)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, common.Errorf("blobs.Register", common.BadRequest, "%s is not a file", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.read(path, body)
	if common.IsKind(err, common.NotFound) {
		return s.register(path, body, info)
	}
	if err != nil {
		return nil, err
	}
	if blob.Size() == info.Size() && !blob.Gone() {
		return blob, nil
	}

	blob.Meta.Del(HeaderStatus)
	blob.Meta.Set(HeaderContentLength, strconv.FormatInt(info.Size(), 10))
	return s.commitNext(path, body, blob.Meta)
}

// commitNext stamps meta with a fresh seqno and commits it.
// note: must hold s.mu
func (s *Store) commitNext(key, body string, meta Meta) (*Blob, error) {
	seqno := s.seqno.Next()
	defer s.seqno.Done(seqno)
	meta.Set(HeaderSeqno, strconv.FormatInt(seqno, 10))
	return s.commit(key, body, meta)
}

// commit writes the sidecar of body with temp-then-rename and sets its mtime
// to the seqno.
// note: must hold s.mu
func (s *Store) commit(key, body string, meta Meta) (*Blob, error) {
	metaPath := body + metaSuffix
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(metaPath), tmpPrefix+"*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := meta.WriteTo(tmp); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		return nil, err
	}

	seqnoTime := time.Unix(meta.Int(HeaderSeqno), 0)
	if err := os.Chtimes(metaPath, seqnoTime, seqnoTime); err != nil {
		return nil, err
	}

	blob := &Blob{Key: key, Meta: meta}
	if _, err := os.Stat(body); err == nil {
		blob.Path = body
	}
	return blob, nil
}

func (s *Store) read(key, body string) (*Blob, error) {
	f, err := os.Open(body + metaSuffix)
	if os.IsNotExist(err) {
		return nil, common.Errorf("blobs.Get", common.NotFound, "%s", key)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta, err := ParseMeta(f)
	if err != nil {
		return nil, err
	}

	blob := &Blob{Key: key, Meta: meta}
	if _, err := os.Stat(body); err == nil {
		blob.Path = body
	}
	return blob, nil
}

// LastSeqno returns the highest seqno found in the sidecars of the store.
func (s *Store) LastSeqno() (int64, error) {
	var max int64
	for _, top := range []string{filepath.Join(s.root, blobsDir), s.FilesRoot()} {
		err := filepath.WalkDir(top, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
				return nil
			}
			body := strings.TrimSuffix(p, metaSuffix)
			blob, err := s.read(filepath.Base(body), body)
			if err != nil {
				s.logger.WithError(err).WithField("path", p).Warn("Skipping broken sidecar")
				return nil
			}
			if seqno := blob.Seqno(); seqno > max {
				max = seqno
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return max, nil
}

func (s *Store) scanContent(r ranges.Ranges) ([]*Blob, error) {
	var res []*Blob
	top := filepath.Join(s.root, blobsDir)
	err := filepath.WalkDir(top, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		if !seqnoHint(d, r) {
			return nil
		}
		body := strings.TrimSuffix(p, metaSuffix)
		blob, err := s.read(filepath.Base(body), body)
		if err != nil {
			s.logger.WithError(err).WithField("path", p).Warn("Skipping broken blob")
			return nil
		}
		if r.Contains(blob.Seqno()) {
			res = append(res, blob)
		}
		return nil
	})
	return res, err
}

func (s *Store) scanFiles(top string, r ranges.Ranges, recursive bool) ([]*Blob, error) {
	filesRoot := s.FilesRoot()
	var res []*Blob

	err := filepath.WalkDir(top, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == top {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != top && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			return nil
		}

		rel, err := filepath.Rel(filesRoot, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		if strings.HasSuffix(name, metaSuffix) {
			if !seqnoHint(d, r) {
				return nil
			}
			key = strings.TrimSuffix(key, metaSuffix)
			blob, err := s.read(key, strings.TrimSuffix(p, metaSuffix))
			if err != nil {
				s.logger.WithError(err).WithField("path", p).Warn("Skipping broken file")
				return nil
			}
			if r.Contains(blob.Seqno()) {
				res = append(res, blob)
			}
			return nil
		}

		if _, err := os.Stat(p + metaSuffix); !os.IsNotExist(err) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		s.mu.Lock()
		blob, err := s.register(key, p, info)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if r.Contains(blob.Seqno()) {
			res = append(res, blob)
		}
		return nil
	})

	return res, err
}

func (s *Store) contentPath(digest string) string {
	return filepath.Join(s.root, blobsDir, digest[:2], digest)
}

func (s *Store) filePath(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	if strings.Contains(path, "..") || strings.HasSuffix(clean, metaSuffix) {
		return "", common.Errorf("blobs", common.BadRequest, "invalid path %q", path)
	}
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if strings.HasPrefix(part, tmpPrefix) {
			return "", common.Errorf("blobs", common.BadRequest, "invalid path %q", path)
		}
	}
	return filepath.Join(s.FilesRoot(), clean), nil
}

func (s *Store) bodyOf(b *Blob) string {
	if b.PathAddressed() {
		body, _ := s.filePath(b.Key)
		return body
	}
	return s.contentPath(b.Key)
}

func (s *Store) checkFree() error {
	if s.reserve == 0 {
		return nil
	}
	free, err := freeSpace(s.root)
	if err != nil {
		return err
	}
	if free < s.reserve {
		return common.Errorf("blobs", common.StorageFull,
			"%d bytes free, %d reserved", free, s.reserve)
	}
	return nil
}

// seqnoHint uses the sidecar mtime, which mirrors the seqno, to skip reading
// sidecars that cannot match.
func seqnoHint(d fs.DirEntry, r ranges.Ranges) bool {
	info, err := d.Info()
	if err != nil {
		return true
	}
	return r.Contains(info.ModTime().Unix())
}

func mimeOr(mimeType, path string) string {
	if mimeType != "" {
		return mimeType
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha1.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
