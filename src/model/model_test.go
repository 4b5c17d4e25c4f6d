package model

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
)

func TestResourceNames(t *testing.T) {
	seen := map[string]bool{}
	for _, res := range Resources() {
		if seen[res.Name] {
			t.Fatalf("resource %s declared twice", res.Name)
		}
		seen[res.Name] = true

		props := map[string]bool{}
		for _, p := range res.AllProps() {
			if props[p.Name] {
				t.Fatalf("%s.%s declared twice", res.Name, p.Name)
			}
			props[p.Name] = true
		}
	}
	assert.Equal(t, len(seen), 5)
}

func TestReleasesSeqno(t *testing.T) {
	v, err := db.NewVolume(t.TempDir(), Resources(), db.VolumeOptions{}, common.NewTestEntry(t, "volume"))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	contexts, _ := v.Directory("context")
	releases, _ := v.Directory("release")

	ctx, err := contexts.Create(map[string]interface{}{
		"type":  TypeActivity,
		"title": "Turtle Art",
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, v.ReleasesSeqno.Value(), int64(0))

	rel, err := releases.Create(map[string]interface{}{
		"context": ctx,
		"version": "1.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, v.ReleasesSeqno.Value(), int64(1))

	if err := contexts.Update(ctx, map[string]interface{}{"title": "TurtleArt"}); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, v.ReleasesSeqno.Value(), int64(1))

	if err := contexts.Update(ctx, map[string]interface{}{"dependencies": []interface{}{"sugar"}}); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, v.ReleasesSeqno.Value(), int64(2))

	if err := releases.Update(rel, map[string]interface{}{"stability": StabilityBuggy}); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, v.ReleasesSeqno.Value(), int64(3))

	if err := releases.Delete(rel); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, v.ReleasesSeqno.Value(), int64(4))
}
