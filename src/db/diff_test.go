package db

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

func encodeDiff(t *testing.T, v *Volume, r, exclude ranges.Ranges, limit int64) *bytes.Buffer {
	diff, err := v.Diff(r, exclude)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	enc, err := packets.NewEncoder(&buf, packets.Record{"from": "a"}, packets.EncoderOptions{Limit: limit})
	if err != nil {
		t.Fatal(err)
	}
	enc.Segment(packets.Push, nil)
	if _, err := enc.Produce(diff); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(true); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func applyDiff(t *testing.T, v *Volume, buf *bytes.Buffer, shift bool) *PatchResult {
	dec, err := packets.NewDecoder(buf, packets.DecoderOptions{TmpDir: t.TempDir(), RequireLast: true})
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	seg, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	res, err := v.Patch(seg, PatchOptions{Shift: shift})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestDiffPatch(t *testing.T) {
	a := newTestVolume(t, nil)
	b := newTestVolume(t, nil)

	ctx := directory(t, a, "context")
	guid, _ := ctx.Create(map[string]interface{}{"type": "activity", "downloads": 5})
	ctx.Update(guid, map[string]interface{}{"title": "Hello"})
	post, _ := directory(t, a, "post").Create(map[string]interface{}{"context": guid})
	blob, err := a.Blobs.Post(strings.NewReader("blob body"), blobs.PostOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Seqno.Value() != 4 {
		t.Fatalf("expected 4 seqnos, got %d", a.Seqno.Value())
	}

	res := applyDiff(t, b, encodeDiff(t, a, ranges.Full(), nil, 0), false)
	if !res.Commit.Equal(ranges.New(1, 4)) {
		t.Fatalf("unexpected commit %v", res.Commit)
	}
	if res.Records != 2 || res.Blobs != 1 || res.Skipped != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if b.Seqno.Value() != 0 || !res.Applied.Empty() {
		t.Fatalf("changes applied without shift should not take seqnos")
	}

	rec, err := directory(t, b, "context").Get(guid)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Get("type") != "activity" || Localize(rec.Get("title")) != "Hello" {
		t.Fatalf("unexpected record %v", rec.Values())
	}
	if _, ok := rec.Props["downloads"]; ok {
		t.Fatalf("local properties should not travel")
	}
	if !directory(t, b, "post").Exists(post) {
		t.Fatalf("post was not applied")
	}

	got, err := b.Blobs.Get(blob.Key)
	if err != nil {
		t.Fatal(err)
	}
	f, err := got.Open()
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(f)
	f.Close()
	if string(body) != "blob body" || got.MimeType() != "text/plain" {
		t.Fatalf("unexpected blob %q %v", body, got.Meta)
	}

	t.Run("nothing-left", func(t *testing.T) {
		res := applyDiff(t, b, encodeDiff(t, a, ranges.New(5, ranges.Inf), nil, 0), false)
		if res.Records != 0 || !res.Commit.Empty() {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("shift", func(t *testing.T) {
		c := newTestVolume(t, nil)
		res := applyDiff(t, c, encodeDiff(t, a, ranges.Full(), nil, 0), true)
		if !res.Applied.Equal(ranges.New(1, 3)) {
			t.Fatalf("expected one seqno per record and blob, got %v", res.Applied)
		}
		if c.Seqno.Value() != 3 {
			t.Fatalf("unexpected seqno %d", c.Seqno.Value())
		}
	})
}

func TestDiffExclude(t *testing.T) {
	a := newTestVolume(t, nil)
	b := newTestVolume(t, nil)

	d := directory(t, a, "context")
	first, _ := d.Create(map[string]interface{}{"type": "a"})
	second, _ := d.Create(map[string]interface{}{"type": "b"})
	third, _ := d.Create(map[string]interface{}{"type": "c"})

	res := applyDiff(t, b, encodeDiff(t, a, ranges.Full(), ranges.New(2, 2), 0), false)
	if !res.Commit.Equal(ranges.New(1, 3)) {
		t.Fatalf("excluded seqnos are still covered, got %v", res.Commit)
	}
	bd := directory(t, b, "context")
	if !bd.Exists(first) || bd.Exists(second) || !bd.Exists(third) {
		t.Fatalf("only the excluded record should be missing")
	}
}

func TestDiffUpdatedRecord(t *testing.T) {
	a := newTestVolume(t, nil)
	b := newTestVolume(t, nil)

	d := directory(t, a, "context")
	guid, _ := d.Create(map[string]interface{}{"type": "a", "title": "t"})
	d.Create(map[string]interface{}{"type": "other"})
	d.Update(guid, map[string]interface{}{"type": "b"})

	// only the update is requested: the record travels with just that
	// property
	applyDiff(t, b, encodeDiff(t, a, ranges.New(3, 3), nil, 0), false)
	rec, err := directory(t, b, "context").Load(guid)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Get("type") != "b" || rec.Get("title") != nil {
		t.Fatalf("unexpected record %v", rec.Values())
	}
}

func TestDiffLimit(t *testing.T) {
	a := newTestVolume(t, nil)
	b := newTestVolume(t, nil)

	d := directory(t, a, "context")
	big := strings.Repeat("x", 300)
	var guids []string
	for i := 0; i < 3; i++ {
		guid, _ := d.Create(map[string]interface{}{"type": big})
		guids = append(guids, guid)
	}

	res := applyDiff(t, b, encodeDiff(t, a, ranges.Full(), nil, 200), false)
	if !res.Commit.Equal(ranges.New(1, 1)) {
		t.Fatalf("expected a partial commit, got %v", res.Commit)
	}
	if res.Records != 1 || !directory(t, b, "context").Exists(guids[0]) {
		t.Fatalf("the first record should always be sent, got %+v", res)
	}

	res = applyDiff(t, b, encodeDiff(t, a, ranges.New(2, ranges.Inf), nil, 0), false)
	if !res.Commit.Equal(ranges.New(2, 3)) || res.Records != 2 {
		t.Fatalf("the rest should follow, got %+v", res)
	}
}

func TestPatchCommutes(t *testing.T) {
	s1 := newTestVolume(t, &testClock{now: 1000})
	clock := &testClock{now: 1000}
	s2 := newTestVolume(t, clock)

	const guid = "conflicting"
	d1 := directory(t, s1, "context")
	if _, err := d1.Create(map[string]interface{}{PropGUID: guid, "type": "a", "title": "one"}); err != nil {
		t.Fatal(err)
	}
	other, _ := d1.Create(map[string]interface{}{"type": "other"})

	d2 := directory(t, s2, "context")
	if _, err := d2.Create(map[string]interface{}{PropGUID: guid, "type": "b"}); err != nil {
		t.Fatal(err)
	}
	clock.Set(2000)
	d2.Update(guid, map[string]interface{}{"title": "two"})

	p1 := encodeDiff(t, s1, ranges.Full(), nil, 0).Bytes()
	p2 := encodeDiff(t, s2, ranges.Full(), nil, 0).Bytes()

	x := newTestVolume(t, nil)
	applyDiff(t, x, bytes.NewBuffer(p1), false)
	applyDiff(t, x, bytes.NewBuffer(p2), false)

	y := newTestVolume(t, nil)
	applyDiff(t, y, bytes.NewBuffer(p2), false)
	applyDiff(t, y, bytes.NewBuffer(p1), false)

	for _, g := range []string{guid, other} {
		rx, err := directory(t, x, "context").Load(g)
		if err != nil {
			t.Fatal(err)
		}
		ry, err := directory(t, y, "context").Load(g)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(rx.Props, ry.Props) {
			t.Fatalf("%s differs with the order of patches:\n%v\n%v", g, rx.Values(), ry.Values())
		}
	}

	rec, _ := directory(t, x, "context").Load(guid)
	if rec.Get("type") != "b" || Localize(rec.Get("title")) != "two" {
		t.Fatalf("unexpected winners %v", rec.Values())
	}
}

func TestPatchReplay(t *testing.T) {
	a := newTestVolume(t, nil)
	d := directory(t, a, "context")
	guid, _ := d.Create(map[string]interface{}{"type": "a"})
	if _, err := a.Blobs.Post(strings.NewReader("blob body"), blobs.PostOptions{}); err != nil {
		t.Fatal(err)
	}
	push := encodeDiff(t, a, ranges.Full(), nil, 0).Bytes()

	m := newTestVolume(t, nil)
	res := applyDiff(t, m, bytes.NewBuffer(push), true)
	if !res.Applied.Equal(ranges.New(1, 2)) || res.Records != 1 || res.Blobs != 1 {
		t.Fatalf("unexpected first apply %+v", res)
	}
	rec, _ := directory(t, m, "context").Get(guid)
	stored := rec.Seqno()

	res = applyDiff(t, m, bytes.NewBuffer(push), true)
	if !res.Applied.Empty() || res.Blobs != 0 {
		t.Fatalf("a replayed push should apply nothing, got %+v", res)
	}
	if m.Seqno.Value() != 2 {
		t.Fatalf("a replayed push should take no seqno, got %d", m.Seqno.Value())
	}
	rec, _ = directory(t, m, "context").Get(guid)
	if rec.Seqno() != stored {
		t.Fatalf("the record was restamped %d -> %d", stored, rec.Seqno())
	}
	if !res.Commit.Equal(ranges.New(1, 2)) {
		t.Fatalf("the commit should still be reported, got %v", res.Commit)
	}
}

func drainDiff(t *testing.T, v *Volume, r ranges.Ranges) ([]string, ranges.Ranges) {
	diff, err := v.Diff(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	var guids []string
	for {
		item, err := diff.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if rec, ok := item.Record.(packets.Record); ok && rec.Str("guid") != "" {
			guids = append(guids, rec.Str("guid"))
		}
	}
	return guids, diff.Covered()
}

func TestDiffDuringWrite(t *testing.T) {
	var hook func()
	clock := func() time.Time {
		if h := hook; h != nil {
			hook = nil
			h()
		}
		return time.Unix(1000, 0)
	}
	v, err := NewVolume(t.TempDir(), testResources, VolumeOptions{Clock: clock}, common.NewTestEntry(t, "volume"))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	var guids []string
	var covered ranges.Ranges
	hook = func() {
		guids, covered = drainDiff(t, v, ranges.Full())
	}

	// without a guid property, the clock is read after the seqno is
	// allocated and before the record is stored
	patch := map[string]*PropMeta{"type": {Value: "a", Mtime: 500}}
	seqno, err := directory(t, v, "context").Patch("written", patch, true)
	if err != nil {
		t.Fatal(err)
	}
	if seqno != 1 || hook != nil {
		t.Fatalf("the write did not go through the clock, seqno %d", seqno)
	}
	if len(guids) != 0 || !covered.Empty() {
		t.Fatalf("a diff during a write should not cover it, sent %v covered %v", guids, covered)
	}

	guids, covered = drainDiff(t, v, ranges.Full())
	if !reflect.DeepEqual(guids, []string{"written"}) || !covered.Equal(ranges.New(1, 1)) {
		t.Fatalf("the write should follow, sent %v covered %v", guids, covered)
	}
}
