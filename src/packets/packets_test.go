package packets

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

func testBlob(t *testing.T, key, body string) *blobs.Blob {
	path := filepath.Join(t.TempDir(), "body")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return &blobs.Blob{
		Key:  key,
		Path: path,
		Meta: blobs.Meta{
			{Key: blobs.HeaderContentType, Value: "text/plain"},
			{Key: blobs.HeaderContentLength, Value: "0"},
			{Key: blobs.HeaderSeqno, Value: "4"},
		},
	}
}

func readAll(t *testing.T, seg *Segment) []Item {
	var res []Item
	for {
		item, err := seg.Next()
		if err == io.EOF {
			return res
		}
		if err != nil {
			t.Fatal(err)
		}
		res = append(res, item)
	}
}

func blobBody(t *testing.T, b *blobs.Blob) string {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRoundTrip(t *testing.T) {
	for _, gz := range []bool{false, true} {
		name := "plain"
		if gz {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer

			enc, err := NewEncoder(&buf, Record{"from": "a", "to": "b"}, EncoderOptions{Gzip: gz})
			if err != nil {
				t.Fatal(err)
			}
			enc.Segment(Push, nil)
			enc.Record(Record{"resource": "context"})
			enc.Record(Record{"guid": "g1", "patch": map[string]interface{}{"title": map[string]interface{}{"value": "x", "mtime": 1}}})
			if err := enc.Blob(testBlob(t, strings.Repeat("a", 40), "body\nwith newline")); err != nil {
				t.Fatal(err)
			}
			enc.Record(Record{"commit": ranges.Ranges{{1, 4}}})
			enc.Segment(Pull, Record{"ranges": ranges.Full()})
			if err := enc.Close(true); err != nil {
				t.Fatal(err)
			}

			if gz && !bytes.HasPrefix(buf.Bytes(), gzipMagic) {
				t.Fatalf("stream should be gzipped")
			}

			dec, err := NewDecoder(&buf, DecoderOptions{TmpDir: t.TempDir(), RequireLast: true})
			if err != nil {
				t.Fatal(err)
			}
			defer dec.Close()

			if dec.Header().Str("from") != "a" || dec.Header().Str("to") != "b" {
				t.Fatalf("unexpected header %v", dec.Header())
			}

			seg, err := dec.Next()
			if err != nil {
				t.Fatal(err)
			}
			if seg.Kind != Push {
				t.Fatalf("expected push, got %s", seg.Kind)
			}
			items := readAll(t, seg)
			if len(items) != 4 {
				t.Fatalf("expected 4 items, got %d", len(items))
			}
			if !reflect.DeepEqual(items[0].Record, Record{"resource": "context"}) {
				t.Fatalf("unexpected first record %v", items[0].Record)
			}
			blob := items[2].Blob
			if blob == nil || blob.Key != strings.Repeat("a", 40) || blobBody(t, blob) != "body\nwith newline" {
				t.Fatalf("unexpected blob %+v", blob)
			}
			if blob.Meta.Get(blobs.HeaderContentType) != "text/plain" || blob.Seqno() != 4 {
				t.Fatalf("unexpected blob meta %v", blob.Meta)
			}
			commit, err := items[3].Record.(Record).Ranges("commit")
			if err != nil || !commit.Equal(ranges.Ranges{{1, 4}}) {
				t.Fatalf("unexpected commit %v %v", commit, err)
			}

			seg, err = dec.Next()
			if err != nil {
				t.Fatal(err)
			}
			pull, _ := seg.Props.Ranges("ranges")
			if seg.Kind != Pull || !pull.Equal(ranges.Full()) {
				t.Fatalf("unexpected pull segment %v", seg.Props)
			}

			if _, err := dec.Next(); err != io.EOF {
				t.Fatalf("expected EOF, got %v", err)
			}
		})
	}
}

func TestTombstoneBlob(t *testing.T) {
	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf, nil, EncoderOptions{})
	enc.Segment(Push, nil)
	enc.Blob(&blobs.Blob{Key: strings.Repeat("b", 40), Meta: blobs.Meta{{Key: blobs.HeaderStatus, Value: blobs.StatusGone}}})
	enc.Close(false)

	dec, err := NewDecoder(&buf, DecoderOptions{TmpDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	seg, _ := dec.Next()
	items := readAll(t, seg)
	if len(items) != 1 || !items[0].Blob.Gone() || items[0].Blob.Path != "" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestRequireLast(t *testing.T) {
	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf, Record{"from": "a"}, EncoderOptions{Gzip: true})
	enc.Segment(Push, nil)
	enc.Record(Record{"resource": "user"})
	enc.Close(false)

	dec, err := NewDecoder(&buf, DecoderOptions{RequireLast: true})
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	seg, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	var last error
	for {
		if _, last = seg.Next(); last != nil {
			break
		}
	}
	if !common.IsKind(last, common.Protocol) {
		t.Fatalf("expected a protocol error, got %v", last)
	}
}

func TestTruncatedBlob(t *testing.T) {
	stream := `{"from":"a"}
{"segment":"push"}
{"digest":"x","content-length":10}
abc`
	dec, err := NewDecoder(strings.NewReader(stream), DecoderOptions{TmpDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	seg, _ := dec.Next()
	if _, err := seg.Next(); !common.IsKind(err, common.Protocol) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
}

func TestLegacyDialect(t *testing.T) {
	stream := `{"from":"a"}
{"packet":"push"}
{"resource":"post"}
{"packet":"last"}
`
	dec, err := NewDecoder(strings.NewReader(stream), DecoderOptions{RequireLast: true})
	if err != nil {
		t.Fatal(err)
	}
	seg, err := dec.Next()
	if err != nil || seg.Kind != Push {
		t.Fatalf("unexpected segment %v %v", seg, err)
	}
	if items := readAll(t, seg); len(items) != 1 {
		t.Fatalf("unexpected items %v", items)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestSkipUnreadSegment(t *testing.T) {
	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf, nil, EncoderOptions{})
	enc.Segment(Push, nil)
	enc.Blob(testBlob(t, strings.Repeat("c", 40), "skipped"))
	enc.Record(Record{"guid": "g"})
	enc.Segment(Ack, Record{"to": "b"})
	enc.Close(false)

	dec, err := NewDecoder(&buf, DecoderOptions{TmpDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	if _, err := dec.Next(); err != nil {
		t.Fatal(err)
	}
	seg, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if seg.Kind != Ack || seg.Props.Str("to") != "b" {
		t.Fatalf("unexpected segment %v", seg.Props)
	}
}

type sliceProducer struct {
	items     []Item
	trailer   func(finalized bool) []Item
	finalized bool
	pending   []Item
	pos       int
}

func (p *sliceProducer) Next() (Item, error) {
	if !p.finalized && p.pos < len(p.items) {
		p.pos++
		return p.items[p.pos-1], nil
	}
	if p.pending == nil {
		p.pending = append(p.trailer(p.finalized), Item{})
	}
	if len(p.pending) == 1 {
		return Item{}, io.EOF
	}
	item := p.pending[0]
	p.pending = p.pending[1:]
	return item, nil
}

func (p *sliceProducer) Finalize() {
	p.finalized = true
}

func TestProduceLimit(t *testing.T) {
	big := strings.Repeat("x", 1000)
	p := &sliceProducer{
		items: []Item{
			{Record: Record{"resource": "context"}},
			{Record: Record{"guid": "1", "data": big}},
			{Record: Record{"guid": "2", "data": big}},
			{Record: Record{"guid": "3", "data": big}},
		},
	}
	p.trailer = func(finalized bool) []Item {
		if finalized {
			// the pending record was the second one
			return []Item{{Record: Record{"commit": ranges.Ranges{{1, 1}}}}}
		}
		return []Item{{Record: Record{"commit": ranges.Ranges{{1, 3}}}}}
	}

	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf, nil, EncoderOptions{Limit: 1500})
	enc.Segment(Push, nil)
	limited, err := enc.Produce(p)
	if err != nil {
		t.Fatal(err)
	}
	enc.Close(true)
	if !limited {
		t.Fatalf("limit should have been hit")
	}

	dec, err := NewDecoder(&buf, DecoderOptions{RequireLast: true})
	if err != nil {
		t.Fatal(err)
	}
	seg, _ := dec.Next()
	items := readAll(t, seg)

	var guids []string
	var commit ranges.Ranges
	for _, item := range items {
		rec := item.Record.(Record)
		if g := rec.Str("guid"); g != "" {
			guids = append(guids, g)
		}
		if _, ok := rec["commit"]; ok {
			commit, _ = rec.Ranges("commit")
		}
	}
	if !reflect.DeepEqual(guids, []string{"1"}) {
		t.Fatalf("sent %v, expected only the first record", guids)
	}
	if !commit.Equal(ranges.Ranges{{1, 1}}) {
		t.Fatalf("unexpected commit %v", commit)
	}

	t.Run("first-item-always-sent", func(t *testing.T) {
		p := &sliceProducer{
			items:   []Item{{Record: Record{"guid": "1", "data": big}}},
			trailer: func(bool) []Item { return nil },
		}
		var buf bytes.Buffer
		enc, _ := NewEncoder(&buf, nil, EncoderOptions{Limit: 10})
		enc.Segment(Push, nil)
		if limited, _ := enc.Produce(p); limited {
			t.Fatalf("a single oversized item should still be sent")
		}
	})
}
