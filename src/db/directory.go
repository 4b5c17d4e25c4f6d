package db

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/events"
	"github.com/sirupsen/logrus"
)

// Event names broadcast by directories.
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Query selects records through the index.
type Query struct {
	// Filters are equality conditions on indexed properties.
	Filters map[string]interface{}

	// OrderBy is an indexed property, prefixed with "-" for descending
	// order. Records are in guid order otherwise.
	OrderBy string

	Offset int
	Limit  int
}

// Directory stores the records of one resource, one file per property under
// db/<resource>/<g0g1>/<guid>/.
type Directory struct {
	resource *Resource
	root     string
	volume   *Volume

	mu     sync.Mutex
	logger *logrus.Entry
}

func newDirectory(v *Volume, res *Resource) *Directory {
	return &Directory{
		resource: res,
		root:     filepath.Join(v.root, "db", res.Name),
		volume:   v,
		logger:   v.logger.WithField("resource", res.Name),
	}
}

// Resource ...
func (d *Directory) Resource() *Resource {
	return d.resource
}

// Create stores a new record. All its properties share one seqno. The guid
// is generated unless props carries one.
func (d *Directory) Create(props map[string]interface{}) (string, error) {
	guid, _ := props[PropGUID].(string)
	if guid == "" {
		guid = uuid.NewString()
	}
	if err := checkGUID(guid); err != nil {
		return "", err
	}

	values := make(map[string]interface{})
	for _, p := range d.resource.Props {
		switch {
		case p.Default != nil:
			values[p.Name] = p.Default
		case p.Kind == Aggregated:
			values[p.Name] = map[string]interface{}{}
		}
	}
	for name, value := range props {
		if name == PropGUID {
			continue
		}
		p, ok := d.resource.Prop(name)
		if !ok {
			return "", common.Errorf(d.resource.Name, common.BadRequest, "unknown property %q", name)
		}
		if p.ACL&ACLCreate == 0 {
			return "", common.Errorf(d.resource.Name, common.BadRequest, "%q cannot be set on create", name)
		}
		values[name] = value
	}

	typed := make(map[string]interface{}, len(values))
	for name, value := range values {
		p, _ := d.resource.Prop(name)
		v, err := p.typecast(value)
		if err != nil {
			return "", err
		}
		typed[name] = v
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(d.recordPath(guid)); err == nil {
		return "", common.Errorf(d.resource.Name, common.BadRequest, "%s already exists", guid)
	}

	now := d.volume.now()
	seqno := d.volume.Seqno.Next()
	defer d.volume.Seqno.Done(seqno)

	rec := &Record{Resource: d.resource.Name, GUID: guid, Props: map[string]*PropMeta{}, schema: d.resource}
	rec.Props[PropGUID] = &PropMeta{Value: guid, Mtime: now, Seqno: seqno}
	rec.Props[PropCtime] = &PropMeta{Value: now, Mtime: now, Seqno: seqno}
	rec.Props[PropState] = &PropMeta{Value: StateActive, Mtime: now, Seqno: seqno}
	for name, value := range typed {
		rec.Props[name] = &PropMeta{Value: value, Mtime: now, Seqno: seqno}
	}
	if err := normalizeMetas(rec.Props); err != nil {
		return "", err
	}

	if err := d.store(rec, rec.Props); err != nil {
		return "", err
	}

	d.notify(EventCreate, rec, nil)
	return guid, nil
}

// Update changes properties of an active record. Every property whose value
// actually changes gets its own seqno.
func (d *Directory) Update(guid string, props map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.load(guid)
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return common.Errorf(d.resource.Name, common.NotFound, "%s", guid)
	}

	now := d.volume.now()
	changed := make(map[string]*PropMeta)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := d.resource.Prop(name)
		if !ok {
			return common.Errorf(d.resource.Name, common.BadRequest, "unknown property %q", name)
		}
		if p.ACL&ACLWrite == 0 {
			return common.Errorf(d.resource.Name, common.BadRequest, "%q is read-only", name)
		}
		value, err := p.typecast(props[name])
		if err != nil {
			return err
		}
		if cur, ok := rec.Props[name]; ok && bytes.Equal(canonical(cur.Value), canonical(value)) {
			continue
		}
		changed[name] = &PropMeta{Value: value, Mtime: now}
	}
	if len(changed) == 0 {
		return nil
	}

	seqnos := make([]int64, 0, len(changed))
	defer func() { d.volume.Seqno.Done(seqnos...) }()
	for _, name := range names {
		if meta, ok := changed[name]; ok {
			meta.Seqno = d.volume.Seqno.Next()
			seqnos = append(seqnos, meta.Seqno)
			rec.Props[name] = meta
		}
	}

	if err := d.store(rec, changed); err != nil {
		return err
	}

	d.notify(EventUpdate, rec, changed)
	return nil
}

// Delete marks a record deleted. It stays on disk and keeps taking part in
// diffs.
func (d *Directory) Delete(guid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.load(guid)
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return nil
	}

	meta := &PropMeta{Value: StateDeleted, Mtime: d.volume.now(), Seqno: d.volume.Seqno.Next()}
	defer d.volume.Seqno.Done(meta.Seqno)
	rec.Props[PropState] = meta
	changed := map[string]*PropMeta{PropState: meta}

	if err := d.store(rec, changed); err != nil {
		return err
	}

	d.notify(EventDelete, rec, nil)
	return nil
}

// Aggregate appends an entry to an aggregated property and returns its id.
func (d *Directory) Aggregate(guid, prop string, value interface{}, author string) (string, error) {
	id := uuid.NewString()
	return id, d.setEntry(guid, prop, id, value, author)
}

// Disaggregate deletes an entry of an aggregated property. The entry is kept
// without value.
func (d *Directory) Disaggregate(guid, prop, id string) error {
	return d.setEntry(guid, prop, id, nil, "")
}

func (d *Directory) setEntry(guid, prop, id string, value interface{}, author string) error {
	p, ok := d.resource.Prop(prop)
	if !ok || p.Kind != Aggregated {
		return common.Errorf(d.resource.Name, common.BadRequest, "%q is not aggregated", prop)
	}
	value, err := normalize(value)
	if err != nil {
		return common.NewSyncErr(prop, common.BadRequest, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.load(guid)
	if err != nil {
		return err
	}
	if rec.Deleted() {
		return common.Errorf(d.resource.Name, common.NotFound, "%s", guid)
	}

	entries, err := aggEntries(rec.Get(prop))
	if err != nil {
		return err
	}

	now := d.volume.now()
	seqno := d.volume.Seqno.Next()
	defer d.volume.Seqno.Done(seqno)
	entry, exists := entries[id]
	if !exists {
		if value == nil {
			return common.Errorf(d.resource.Name, common.NotFound, "%s has no %s entry %s", guid, prop, id)
		}
		entry.Ctime = now
		entry.Author = author
	}
	entry.Mtime = now
	entry.Value = value
	entry.Seqno = seqno
	entries[id] = entry

	meta := &PropMeta{Value: entriesValue(entries), Mtime: now, Seqno: seqno}
	rec.Props[prop] = meta
	changed := map[string]*PropMeta{prop: meta}

	if err := d.store(rec, changed); err != nil {
		return err
	}

	d.notify(EventUpdate, rec, changed)
	return nil
}

// Get returns an active record.
func (d *Directory) Get(guid string) (*Record, error) {
	rec, err := d.load(guid)
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, common.Errorf(d.resource.Name, common.NotFound, "%s", guid)
	}
	return rec, nil
}

// Exists reports whether an active record exists.
func (d *Directory) Exists(guid string) bool {
	_, err := d.Get(guid)
	return err == nil
}

// Find returns the active records matching q, and the total number of
// matches before Offset and Limit.
func (d *Directory) Find(q Query) ([]*Record, int, error) {
	type match struct {
		guid string
		doc  *IndexDoc
	}
	var matches []match

	for name := range q.Filters {
		if p, ok := d.resource.Prop(name); !ok || !p.Indexed {
			return nil, 0, common.Errorf(d.resource.Name, common.BadRequest, "%q is not indexed", name)
		}
	}

	err := d.volume.Index.Docs(d.resource.Name, func(guid string, doc *IndexDoc) error {
		if doc.State == StateDeleted {
			return nil
		}
		for name, want := range q.Filters {
			want, _ = normalize(want)
			if !bytes.Equal(canonical(doc.Props[name]), canonical(want)) {
				return nil
			}
		}
		matches = append(matches, match{guid, doc})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if order := strings.TrimPrefix(q.OrderBy, "-"); order != "" {
		desc := strings.HasPrefix(q.OrderBy, "-")
		sort.SliceStable(matches, func(i, j int) bool {
			less := lessValue(matches[i].doc.Props[order], matches[j].doc.Props[order])
			if desc {
				return lessValue(matches[j].doc.Props[order], matches[i].doc.Props[order])
			}
			return less
		})
	}

	total := len(matches)
	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	res := make([]*Record, 0, len(matches))
	for _, m := range matches {
		rec, err := d.load(m.guid)
		if err != nil {
			d.logger.WithError(err).WithField("guid", m.guid).Warn("Index points to a missing record")
			continue
		}
		res = append(res, rec)
	}
	return res, total, nil
}

// Patch merges properties coming from a peer. A property is written only when
// it wins under last-write-wins, aggregated properties entry by entry.
// Missing records are created. With shift, all changes of the call share one
// freshly allocated seqno, which is returned; otherwise they are stored with
// seqno 0 so they never leave this node again.
func (d *Directory) Patch(guid string, patch map[string]*PropMeta, shift bool) (int64, error) {
	if err := checkGUID(guid); err != nil {
		return 0, err
	}
	if err := normalizeMetas(patch); err != nil {
		return 0, common.NewSyncErr(guid, common.BadRequest, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.load(guid)
	created := false
	if common.IsKind(err, common.NotFound) {
		rec = &Record{Resource: d.resource.Name, GUID: guid, Props: map[string]*PropMeta{}, schema: d.resource}
		created = true
	} else if err != nil {
		return 0, err
	}

	var seqno int64
	stamp := func() int64 {
		if shift && seqno == 0 {
			seqno = d.volume.Seqno.Next()
		}
		return seqno
	}
	defer func() {
		if seqno > 0 {
			d.volume.Seqno.Done(seqno)
		}
	}()

	changed := make(map[string]*PropMeta)
	names := make([]string, 0, len(patch))
	for name := range patch {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		in := patch[name]
		if in == nil {
			continue
		}
		if in.Mtime < 0 {
			return 0, common.Errorf(d.resource.Name, common.BadRequest, "%s/%s has a negative mtime", guid, name)
		}
		p, ok := d.resource.Prop(name)
		if !ok {
			d.logger.WithFields(logrus.Fields{
				"guid": guid,
				"prop": name,
			}).Debug("Ignoring unknown property")
			continue
		}

		if p.Kind == Aggregated {
			merged, ok, err := mergeEntries(rec.Props[name], in, stamp)
			if err != nil {
				return 0, common.NewSyncErr(name, common.BadRequest, err)
			}
			if ok {
				rec.Props[name] = merged
				changed[name] = merged
			}
			continue
		}

		if !wins(in, rec.Props[name]) {
			continue
		}
		meta := &PropMeta{Value: in.Value, Mtime: in.Mtime, Seqno: stamp()}
		rec.Props[name] = meta
		changed[name] = meta
	}

	if len(changed) == 0 {
		return 0, nil
	}
	if created {
		if _, ok := rec.Props[PropGUID]; !ok {
			meta := &PropMeta{Value: guid, Mtime: d.volume.now(), Seqno: stamp()}
			rec.Props[PropGUID] = meta
			changed[PropGUID] = meta
		}
	}

	if err := d.store(rec, changed); err != nil {
		return 0, err
	}

	event := EventUpdate
	switch {
	case created:
		event = EventCreate
	case changed[PropState] != nil && rec.Deleted():
		event = EventDelete
	}
	d.notify(event, rec, changed)

	return seqno, nil
}

// Populate reconciles the records on disk with the index and returns the
// highest seqno seen.
func (d *Directory) Populate(ctx context.Context) (int64, error) {
	var max int64
	seen := make(map[string]bool)
	count := 0

	shards, err := os.ReadDir(d.root)
	if os.IsNotExist(err) {
		shards = nil
	} else if err != nil {
		return 0, err
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		guids, err := os.ReadDir(filepath.Join(d.root, shard.Name()))
		if err != nil {
			return 0, err
		}
		for _, entry := range guids {
			if !entry.IsDir() {
				continue
			}
			count++
			if count%d.volume.populateBatch == 0 {
				if err := ctx.Err(); err != nil {
					return 0, err
				}
			}

			guid := entry.Name()
			seen[guid] = true

			d.mu.Lock()
			err := d.reindex(guid, &max)
			d.mu.Unlock()
			if err != nil {
				d.logger.WithError(err).WithField("guid", guid).Warn("Cannot populate record")
			}
		}
	}

	var stale []string
	err = d.volume.Index.Docs(d.resource.Name, func(guid string, doc *IndexDoc) error {
		if !seen[guid] {
			stale = append(stale, guid)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, guid := range stale {
		if err := d.volume.Index.Delete(d.resource.Name, guid); err != nil {
			return 0, err
		}
	}

	d.logger.WithFields(logrus.Fields{
		"records": count,
		"stale":   len(stale),
	}).Debug("Populated")

	return max, nil
}

// note: must hold d.mu
func (d *Directory) reindex(guid string, max *int64) error {
	rec, err := d.load(guid)
	if err != nil {
		return err
	}
	if s := rec.Seqno(); s > *max {
		*max = s
	}
	doc := d.indexDoc(rec)
	existing, err := d.volume.Index.Get(d.resource.Name, guid)
	if err == nil && sameSeqnos(existing.Seqnos, doc.Seqnos) && existing.State == doc.State {
		return nil
	}
	return d.volume.Index.Put(d.resource.Name, guid, doc)
}

// Load returns a record whatever its state.
func (d *Directory) Load(guid string) (*Record, error) {
	return d.load(guid)
}

func (d *Directory) load(guid string) (*Record, error) {
	if err := checkGUID(guid); err != nil {
		return nil, err
	}
	dir := d.recordPath(guid)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, common.Errorf(d.resource.Name, common.NotFound, "%s", guid)
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{Resource: d.resource.Name, GUID: guid, Props: map[string]*PropMeta{}, schema: d.resource}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		meta := new(PropMeta)
		if err := json.Unmarshal(data, meta); err != nil {
			return nil, common.Errorf(d.resource.Name, common.Internal, "%s/%s: %v", guid, e.Name(), err)
		}
		rec.Props[e.Name()] = meta
	}
	if len(rec.Props) == 0 {
		return nil, common.Errorf(d.resource.Name, common.NotFound, "%s", guid)
	}
	return rec, nil
}

// store writes the changed properties of rec, then updates the index.
// note: must hold d.mu
func (d *Directory) store(rec *Record, changed map[string]*PropMeta) error {
	dir := d.recordPath(rec.GUID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for name, meta := range changed {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := writeFile(path, data); err != nil {
			return err
		}
		mtime := time.Unix(meta.Mtime, 0)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return err
		}
	}
	return d.volume.Index.Put(d.resource.Name, rec.GUID, d.indexDoc(rec))
}

func (d *Directory) indexDoc(rec *Record) *IndexDoc {
	doc := &IndexDoc{
		State: rec.State(),
		Props: map[string]interface{}{PropMtime: rec.Mtime()},
	}
	seen := make(map[int64]bool)
	for name, meta := range rec.Props {
		if meta.Seqno > 0 && !seen[meta.Seqno] {
			seen[meta.Seqno] = true
			doc.Seqnos = append(doc.Seqnos, meta.Seqno)
		}
		if p, ok := d.resource.Prop(name); ok && p.Indexed {
			doc.Props[name] = meta.Value
		}
	}
	sort.Slice(doc.Seqnos, func(i, j int) bool { return doc.Seqnos[i] < doc.Seqnos[j] })
	return doc
}

// notify bumps the releases seqno when the resource asks for it, and
// broadcasts the change.
// note: must hold d.mu
func (d *Directory) notify(event string, rec *Record, changed map[string]*PropMeta) {
	props := make([]string, 0, len(changed))
	for name := range changed {
		props = append(props, name)
	}
	sort.Strings(props)

	ev := events.Event{
		"event":    event,
		"resource": d.resource.Name,
		"guid":     rec.GUID,
		"seqno":    rec.Seqno(),
	}
	if event == EventUpdate {
		ev["props"] = props
	}
	if d.resource.bumpsReleases(event, props) {
		n := d.volume.ReleasesSeqno.Next()
		d.volume.ReleasesSeqno.Done(n)
		ev["releases_seqno"] = n
	}

	d.logger.WithFields(logrus.Fields{
		"event": event,
		"guid":  rec.GUID,
		"props": props,
	}).Debug("Changed")

	d.volume.Broadcast(ev)
}

func (d *Directory) recordPath(guid string) string {
	return filepath.Join(d.root, guid[:2], guid)
}

func checkGUID(guid string) error {
	if len(guid) < 2 || strings.ContainsAny(guid, `/\`) || strings.HasPrefix(guid, ".") {
		return common.Errorf("guid", common.BadRequest, "invalid guid %q", guid)
	}
	return nil
}

// mergeEntries merges incoming aggregated entries into current, entry by
// entry. It reports whether anything changed.
func mergeEntries(current, incoming *PropMeta, stamp func() int64) (*PropMeta, bool, error) {
	var cur map[string]AggEntry
	var err error
	if current != nil {
		if cur, err = aggEntries(current.Value); err != nil {
			return nil, false, err
		}
	} else {
		cur = make(map[string]AggEntry)
	}
	in, err := aggEntries(incoming.Value)
	if err != nil {
		return nil, false, err
	}

	changed := false
	ids := make([]string, 0, len(in))
	for id := range in {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := in[id]
		if old, ok := cur[id]; ok && !entryWins(entry, old) {
			continue
		}
		entry.Seqno = stamp()
		cur[id] = entry
		changed = true
	}
	if !changed {
		return current, false, nil
	}

	meta := &PropMeta{Value: entriesValue(cur)}
	for _, e := range cur {
		if e.Mtime > meta.Mtime {
			meta.Mtime = e.Mtime
		}
		if e.Seqno > meta.Seqno {
			meta.Seqno = e.Seqno
		}
	}
	return meta, true, nil
}

func normalizeMetas(metas map[string]*PropMeta) error {
	for _, meta := range metas {
		if meta == nil {
			continue
		}
		v, err := normalize(meta.Value)
		if err != nil {
			return err
		}
		meta.Value = v
	}
	return nil
}

func sameSeqnos(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lessValue orders numbers numerically and anything else by canonical
// encoding.
func lessValue(a, b interface{}) bool {
	fa, aok := a.(float64)
	fb, bok := b.(float64)
	if aok && bok {
		return fa < fb
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa < sb
		}
	}
	return bytes.Compare(canonical(a), canonical(b)) < 0
}

// writeFile writes data to path using temp file + rename.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
