package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
)

// Client talks to the sync endpoint of a master.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient ...
func NewClient(masterURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(masterURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("master url %q has no host", masterURL)
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
	}, nil
}

// GUID is the guid of the master: the netloc of its url.
func (c *Client) GUID() string {
	return c.base.Host
}

// Sync posts body to the sync endpoint with the given cookie value. The
// caller closes the returned body. The cookie value of the response is ""
// when the master ended the conversation.
func (c *Client) Sync(ctx context.Context, body io.Reader, cookie string, acceptLength int64) (io.ReadCloser, string, error) {
	u := *c.base
	q := u.Query()
	q.Set("cmd", "sync")
	if acceptLength > 0 {
		q.Set("accept_length", strconv.FormatInt(acceptLength, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: cookie})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		kind := common.Internal
		if resp.StatusCode == http.StatusBadRequest {
			kind = common.BadRequest
		}
		return nil, "", common.Errorf("sync", kind, "master answered %s: %s", resp.Status, msg)
	}

	next := cookie
	for _, hc := range resp.Cookies() {
		if hc.Name != CookieName {
			continue
		}
		next = hc.Value
		if next == CookieUnset || hc.MaxAge < 0 {
			next = ""
		}
	}
	return resp.Body, next, nil
}
