// Package model declares the resources of a Sugar Network volume.
package model

import (
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
)

// Context types.
const (
	TypeActivity = "activity"
	TypeBook     = "book"
	TypeGroup    = "group"
	TypePackage  = "package"
)

// Post types.
const (
	PostReview   = "review"
	PostQuestion = "question"
	PostIdea     = "idea"
	PostProblem  = "problem"
	PostTopic    = "topic"
	PostPost     = "post"
)

// Release stabilities.
const (
	StabilityDeveloper = "developer"
	StabilityTesting   = "testing"
	StabilityStable    = "stable"
	StabilityBuggy     = "buggy"
)

const rw = db.ACLDefault

// User ...
var User = &db.Resource{
	Name: "user",
	Props: []db.Property{
		{Name: "name", Kind: db.Scalar, ACL: rw, Indexed: true},
		{Name: "location", Kind: db.Scalar, ACL: rw, Default: ""},
		{Name: "birthday", Kind: db.Scalar, ACL: rw, Default: 0},
		{Name: "pubkey", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead},
		{Name: "avatar", Kind: db.BlobRef, ACL: rw},
	},
}

// Context is an activity, a book, a group or a package.
var Context = &db.Resource{
	Name: "context",
	Props: []db.Property{
		{Name: "type", Kind: db.Scalar, ACL: rw, Indexed: true},
		{Name: "title", Kind: db.Localized, ACL: rw, Indexed: true},
		{Name: "summary", Kind: db.Localized, ACL: rw},
		{Name: "description", Kind: db.Localized, ACL: rw},
		{Name: "homepage", Kind: db.Scalar, ACL: rw, Default: ""},
		{Name: "mime_types", Kind: db.Scalar, ACL: rw, Default: []interface{}{}},
		{Name: "tags", Kind: db.Scalar, ACL: rw, Default: []interface{}{}, Indexed: true},
		{Name: "icon", Kind: db.BlobRef, ACL: rw},
		{Name: "logo", Kind: db.BlobRef, ACL: rw},
		{Name: "author", Kind: db.Aggregated, ACL: rw},
		{Name: "dependencies", Kind: db.Scalar, ACL: rw, Default: []interface{}{}},
		{Name: "rating", Kind: db.Scalar, ACL: db.ACLRead | db.ACLLocal, Default: 0},
		{Name: "downloads", Kind: db.Scalar, ACL: db.ACLRead | db.ACLLocal, Default: 0},
	},
	Releases: &db.ReleasePolicy{Props: []string{"dependencies"}},
}

// Release is one uploaded version of a context.
var Release = &db.Resource{
	Name: "release",
	Props: []db.Property{
		{Name: "context", Kind: db.Reference, ACL: db.ACLCreate | db.ACLRead, Indexed: true},
		{Name: "version", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead, Indexed: true},
		{Name: "stability", Kind: db.Scalar, ACL: rw, Default: StabilityStable, Indexed: true},
		{Name: "license", Kind: db.Scalar, ACL: rw, Default: []interface{}{}},
		{Name: "notes", Kind: db.Localized, ACL: rw},
		{Name: "requires", Kind: db.Scalar, ACL: rw, Default: []interface{}{}},
		{Name: "bundle", Kind: db.BlobRef, ACL: db.ACLCreate | db.ACLRead},
	},
	Releases: &db.ReleasePolicy{
		OnCreate: true,
		OnDelete: true,
		Props:    []string{"stability", "requires"},
	},
}

// Post is a review, a question, an idea, a problem or a comment thread of
// a context.
var Post = &db.Resource{
	Name: "post",
	Props: []db.Property{
		{Name: "context", Kind: db.Reference, ACL: db.ACLCreate | db.ACLRead, Indexed: true},
		{Name: "topic", Kind: db.Reference, ACL: db.ACLCreate | db.ACLRead, Indexed: true},
		{Name: "type", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead, Default: PostPost, Indexed: true},
		{Name: "title", Kind: db.Localized, ACL: rw, Indexed: true},
		{Name: "message", Kind: db.Localized, ACL: rw},
		{Name: "resolution", Kind: db.Scalar, ACL: rw, Default: ""},
		{Name: "vote", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead, Default: 0},
		{Name: "comments", Kind: db.Aggregated, ACL: rw},
		{Name: "attachments", Kind: db.Aggregated, ACL: rw},
	},
}

// Report is a failure report sent by a client.
var Report = &db.Resource{
	Name: "report",
	Props: []db.Property{
		{Name: "context", Kind: db.Reference, ACL: db.ACLCreate | db.ACLRead, Indexed: true},
		{Name: "release", Kind: db.Reference, ACL: db.ACLCreate | db.ACLRead},
		{Name: "error", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead, Default: ""},
		{Name: "lsb_release", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead, Default: map[string]interface{}{}},
		{Name: "uname", Kind: db.Scalar, ACL: db.ACLCreate | db.ACLRead, Default: ""},
		{Name: "logs", Kind: db.Aggregated, ACL: rw},
	},
}

// Resources returns the schema of a Sugar Network volume.
func Resources() []*db.Resource {
	return []*db.Resource{User, Context, Release, Post, Report}
}
