package blobs

import (
	"io"
	"os"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
)

// Blob is a handle on a stored, or incoming, blob.
type Blob struct {
	// Key is the 40-hex digest of a content-addressed blob, or the slash
	// delimited path of a path-addressed one.
	Key string

	// Path is the body file. It is empty for blobs without a body, ie.
	// tombstones and external locations.
	Path string

	Meta Meta
}

// Seqno ...
func (b *Blob) Seqno() int64 {
	return b.Meta.Int(HeaderSeqno)
}

// Size ...
func (b *Blob) Size() int64 {
	return b.Meta.Int(HeaderContentLength)
}

// MimeType ...
func (b *Blob) MimeType() string {
	if t := b.Meta.Get(HeaderContentType); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Gone reports a tombstone.
func (b *Blob) Gone() bool {
	return b.Meta.Get(HeaderStatus) == StatusGone
}

// Location returns the URL of an external blob.
func (b *Blob) Location() string {
	if b.Meta.Get(HeaderStatus) != StatusMoved {
		return ""
	}
	return b.Meta.Get(HeaderLocation)
}

// PathAddressed reports whether the blob lives under files/.
func (b *Blob) PathAddressed() bool {
	return b.Meta.Has(HeaderPath)
}

// Open returns the body.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.Path == "" {
		return nil, common.Errorf("blobs.Open", common.NotFound, "%s has no body", b.Key)
	}
	f, err := os.Open(b.Path)
	if os.IsNotExist(err) {
		return nil, common.NewSyncErr("blobs.Open", common.NotFound, err)
	}
	return f, err
}
