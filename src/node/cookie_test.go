package node

import (
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

func TestCookieEncoding(t *testing.T) {
	c := NewCookie()
	c.ID = "conversation"
	c.Pull = ranges.New(5, ranges.Inf)
	c.AddAck("slave", ranges.New(1, 3), ranges.New(10, 12))
	c.AddRequest(Request{Origin: "other", Ranges: ranges.New(1, 1), From: "slave"})

	parsed, err := ParseCookie(c.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, parsed) {
		t.Fatalf("got %+v, expected %+v", parsed, c)
	}

	for _, value := range []string{"", CookieUnset} {
		parsed, err := ParseCookie(value)
		if err != nil {
			t.Fatal(err)
		}
		if !parsed.Empty() {
			t.Fatalf("%q should give an empty cookie", value)
		}
	}

	if _, err := ParseCookie("!!!"); err == nil {
		t.Fatal("garbage should not parse")
	}
}

func TestCookieExclude(t *testing.T) {
	c := NewCookie()
	assert.Equal(t, c.Exclude().Empty(), true)

	c.AddAck("a", ranges.New(1, 1), ranges.New(1, 5))
	assert.Equal(t, c.Exclude(), ranges.New(1, 5))

	c.AddAck("b", ranges.New(1, 1), ranges.New(3, 8))
	assert.Equal(t, c.Exclude(), ranges.New(3, 5))

	// duplicates are ignored
	c.AddAck("b", ranges.New(1, 1), ranges.New(3, 8))
	assert.Equal(t, len(c.Ack["b"]), 1)
}

func TestCookieMerge(t *testing.T) {
	a := NewCookie()
	a.Pull = ranges.New(1, 5)
	a.AddRequest(Request{Origin: "x", Ranges: ranges.New(1, 2)})

	b := NewCookie()
	b.Pull = ranges.New(10, ranges.Inf)
	b.AddAck("y", ranges.New(1, 1), ranges.New(7, 7))
	b.AddRequest(Request{Origin: "x", Ranges: ranges.New(1, 2)})

	a.Merge(b)

	expected := ranges.New(1, 5)
	expected.Include(10, ranges.Inf)
	assert.Equal(t, a.Pull, expected)
	assert.Equal(t, len(a.Request), 1)
	assert.Equal(t, a.Acked("y"), ranges.New(7, 7))
}

func TestCookieWrite(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCookie().Write(w)

		cookies := w.Result().Cookies()
		if len(cookies) != 1 {
			t.Fatalf("expected one cookie, got %v", cookies)
		}
		assert.Equal(t, cookies[0].Value, CookieUnset)
		if cookies[0].MaxAge >= 0 {
			t.Fatalf("an unset cookie should expire, got max-age %d", cookies[0].MaxAge)
		}
	})

	t.Run("Pending", func(t *testing.T) {
		c := NewCookie()
		c.Pull = ranges.New(3, ranges.Inf)

		w := httptest.NewRecorder()
		c.Write(w)

		cookies := w.Result().Cookies()
		if len(cookies) != 1 {
			t.Fatalf("expected one cookie, got %v", cookies)
		}
		assert.Equal(t, cookies[0].MaxAge, CookieMaxAge)
		assert.Equal(t, cookies[0].HttpOnly, true)

		r := httptest.NewRequest("GET", "/", nil)
		r.AddCookie(cookies[0])
		assert.Equal(t, CookieFromRequest(r).Pull, c.Pull)
	})
}
