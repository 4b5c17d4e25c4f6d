package packets

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
)

// EncoderOptions ...
type EncoderOptions struct {
	Gzip bool

	// Limit is the soft number of bytes, before compression, content may
	// take. Zero means no limit.
	Limit int64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encoder writes a stream.
type Encoder struct {
	out   *countingWriter
	gz    *gzip.Writer
	limit int64

	contentWritten bool
	closed         bool
}

// NewEncoder writes header as the first record.
func NewEncoder(w io.Writer, header Record, opts EncoderOptions) (*Encoder, error) {
	e := &Encoder{limit: opts.Limit}
	if opts.Gzip {
		e.gz = gzip.NewWriter(w)
		w = e.gz
	}
	e.out = &countingWriter{w: w}

	if header == nil {
		header = Record{}
	}
	if err := e.Record(header); err != nil {
		return nil, err
	}
	return e, nil
}

// Written is the number of bytes written so far, before compression.
func (e *Encoder) Written() int64 {
	return e.out.n
}

// Segment opens a segment of the given kind. props are merged into the
// segment record.
func (e *Encoder) Segment(kind string, props Record) error {
	rec := Record{}
	for k, v := range props {
		rec[k] = v
	}
	rec[segmentKey] = kind
	return e.Record(rec)
}

// Record writes one record.
func (e *Encoder) Record(rec interface{}) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return e.writeLine(line)
}

// Blob writes a blob record followed by its body.
func (e *Encoder) Blob(b *blobs.Blob) error {
	line, size, err := blobRecord(b)
	if err != nil {
		return err
	}
	return e.writeBlob(b, line, size)
}

// Item writes whatever the item holds.
func (e *Encoder) Item(item Item) error {
	if item.Blob != nil {
		return e.Blob(item.Blob)
	}
	return e.Record(item.Record)
}

// Produce writes everything p yields. Once a content item would take the
// stream over the limit, the item is dropped, p is finalized, and its
// trailing records are written regardless of the limit. The first content
// item of the stream is always written so that a transfer makes progress.
// Produce reports whether the limit was hit.
func (e *Encoder) Produce(p Producer) (bool, error) {
	finalized := false
	for {
		item, err := p.Next()
		if err == io.EOF {
			return finalized, nil
		}
		if err != nil {
			return finalized, err
		}

		if item.Blob != nil {
			line, size, err := blobRecord(item.Blob)
			if err != nil {
				return finalized, err
			}
			if !finalized && e.over(int64(len(line))+size+1) {
				p.Finalize()
				finalized = true
				continue
			}
			if err := e.writeBlob(item.Blob, line, size); err != nil {
				return finalized, err
			}
			e.contentWritten = true
			continue
		}

		line, err := json.Marshal(item.Record)
		if err != nil {
			return finalized, err
		}
		content := item.Content()
		if content && !finalized && e.over(int64(len(line))+1) {
			p.Finalize()
			finalized = true
			continue
		}
		if err := e.writeLine(line); err != nil {
			return finalized, err
		}
		if content {
			e.contentWritten = true
		}
	}
}

// Close writes the {"segment": "last"} terminator when last is set and
// flushes compression. The underlying writer is left open.
func (e *Encoder) Close(last bool) error {
	if e.closed {
		return nil
	}
	e.closed = true
	if last {
		if err := e.Record(Record{segmentKey: Last}); err != nil {
			return err
		}
	}
	if e.gz != nil {
		return e.gz.Close()
	}
	return nil
}

func (e *Encoder) over(size int64) bool {
	return e.limit > 0 && e.contentWritten && e.out.n+size > e.limit
}

func (e *Encoder) writeLine(line []byte) error {
	if _, err := e.out.Write(line); err != nil {
		return err
	}
	_, err := e.out.Write([]byte{'\n'})
	return err
}

func (e *Encoder) writeBlob(b *blobs.Blob, line []byte, size int64) error {
	if err := e.writeLine(line); err != nil {
		return err
	}
	if size > 0 {
		f, err := b.Open()
		if err != nil {
			return err
		}
		n, err := io.CopyN(e.out, f, size)
		f.Close()
		if err != nil {
			return fmt.Errorf("sending %s: %d of %d bytes: %w", b.Key, n, size, err)
		}
	}
	_, err := e.out.Write([]byte{'\n'})
	return err
}

// blobRecord returns the record announcing b and the size of the body that
// follows it.
func blobRecord(b *blobs.Blob) ([]byte, int64, error) {
	var size int64
	if b.Path != "" && !b.Gone() {
		info, err := os.Stat(b.Path)
		if err != nil {
			return nil, 0, err
		}
		size = info.Size()
	}

	meta := b.Meta.Clone()
	meta.Set(blobs.HeaderContentLength, strconv.FormatInt(size, 10))
	if !b.PathAddressed() {
		meta.Set(blobs.HeaderDigest, b.Key)
	}

	line, err := json.Marshal(meta)
	return line, size, err
}
