package packets

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
)

var gzipMagic = []byte{0x1f, 0x8b}

// DecoderOptions ...
type DecoderOptions struct {
	// TmpDir receives blob bodies. Defaults to os.TempDir().
	TmpDir string

	// RequireLast makes a stream ending without {"segment": "last"} a
	// protocol error.
	RequireLast bool
}

// Decoder reads a stream segment by segment.
type Decoder struct {
	r      *bufio.Reader
	gz     *gzip.Reader
	opts   DecoderOptions
	header Record

	pending Record
	cur     *Segment
	done    bool
	sawLast bool

	spooled []string
}

// NewDecoder reads the header of the stream in r, inflating it if it starts
// with the gzip magic.
func NewDecoder(r io.Reader, opts DecoderOptions) (*Decoder, error) {
	d := &Decoder{opts: opts}

	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	if bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, protocolErr(err)
		}
		d.gz = gz
		br = bufio.NewReader(gz)
	}
	d.r = br

	header, err := d.readRecord()
	if err == io.EOF {
		return nil, common.Errorf("packets", common.Protocol, "empty stream")
	}
	if err != nil {
		return nil, err
	}
	if _, ok := header.segment(); ok {
		d.header = Record{}
		if err := d.open(header); err != nil {
			return nil, err
		}
	} else {
		d.header = header
	}

	return d, nil
}

// Header ...
func (d *Decoder) Header() Record {
	return d.header
}

// Next returns the next segment, skipping whatever is left of the current
// one, or io.EOF.
func (d *Decoder) Next() (*Segment, error) {
	if d.cur != nil {
		for {
			item, err := d.cur.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			if item.Blob != nil && item.Blob.Path != "" {
				os.Remove(item.Blob.Path)
			}
		}
		d.cur = nil
	}

	if d.pending == nil && !d.done {
		rec, err := d.readRecord()
		if err == io.EOF {
			return nil, d.finish()
		}
		if err != nil {
			return nil, err
		}
		if err := d.open(rec); err != nil {
			return nil, err
		}
	}

	if d.pending == nil {
		return nil, d.finish()
	}

	kind, _ := d.pending.segment()
	props := d.pending
	d.pending = nil
	d.cur = &Segment{Kind: kind, Props: props, dec: d}
	return d.cur, nil
}

// Close removes blob bodies nobody took over and releases the inflater.
func (d *Decoder) Close() error {
	for _, path := range d.spooled {
		os.Remove(path)
	}
	d.spooled = nil
	if d.gz != nil {
		return d.gz.Close()
	}
	return nil
}

// open handles a segment record outside a segment.
func (d *Decoder) open(rec Record) error {
	kind, ok := rec.segment()
	if !ok {
		return common.Errorf("packets", common.Protocol, "record outside of a segment")
	}
	if kind == Last {
		d.done = true
		d.sawLast = true
		return nil
	}
	d.pending = rec
	return nil
}

func (d *Decoder) finish() error {
	d.done = true
	if d.opts.RequireLast && !d.sawLast {
		return common.Errorf("packets", common.Protocol, "stream truncated before the last segment")
	}
	return io.EOF
}

func (d *Decoder) readRecord() (Record, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, protocolErr(err)
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}
		rec := Record{}
		if jerr := json.Unmarshal(trimmed, &rec); jerr != nil {
			return nil, protocolErr(jerr)
		}
		return rec, nil
	}
}

// readBlob spools the body announced by rec.
func (d *Decoder) readBlob(rec Record) (*blobs.Blob, error) {
	size := rec.Int(blobs.HeaderContentLength)
	if size < 0 {
		return nil, common.Errorf("packets", common.Protocol, "negative content-length")
	}

	key := rec.Str(blobs.HeaderDigest)
	if path := rec.Str(blobs.HeaderPath); path != "" {
		key = path
	}
	delete(rec, blobs.HeaderDigest)
	blob := &blobs.Blob{Key: key, Meta: blobs.MetaFromRecord(rec)}

	status := rec.Str(blobs.HeaderStatus)
	if size == 0 && (status == blobs.StatusGone || status == blobs.StatusMoved) {
		return blob, d.skipNewline()
	}

	f, err := os.CreateTemp(d.opts.TmpDir, ".tmp-blob-*")
	if err != nil {
		return nil, err
	}
	d.spooled = append(d.spooled, f.Name())
	blob.Path = f.Name()

	n, err := io.CopyN(f, d.r, size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, common.Errorf("packets", common.Protocol,
				"blob %s truncated at %d of %d bytes", key, n, size)
		}
		return nil, protocolErr(err)
	}

	return blob, d.skipNewline()
}

func (d *Decoder) skipNewline() error {
	b, err := d.r.ReadByte()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return protocolErr(err)
	}
	if b != '\n' {
		return common.Errorf("packets", common.Protocol, "content-length mismatch")
	}
	return nil
}

func protocolErr(err error) error {
	return common.NewSyncErr("packets", common.Protocol, err)
}

// Segment is one labelled section of a stream.
type Segment struct {
	Kind  string
	Props Record

	dec  *Decoder
	done bool
}

// Next returns the next record or blob of the segment, or io.EOF.
func (s *Segment) Next() (Item, error) {
	if s.done {
		return Item{}, io.EOF
	}
	d := s.dec

	rec, err := d.readRecord()
	if err == io.EOF {
		s.done = true
		return Item{}, d.finish()
	}
	if err != nil {
		s.done = true
		return Item{}, err
	}

	if _, ok := rec.segment(); ok {
		s.done = true
		if err := d.open(rec); err != nil {
			return Item{}, err
		}
		return Item{}, io.EOF
	}

	if _, ok := rec[blobs.HeaderContentLength]; ok {
		blob, err := d.readBlob(rec)
		if err != nil {
			s.done = true
			return Item{}, err
		}
		return Item{Blob: blob}, nil
	}

	return Item{Record: rec}, nil
}
