package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadbot/internal/thread"
	logx "threadbot/pkg/logx"
)

// Config configures the Bluesky XRPC client.
type Config struct {
	BaseURL    string
	Identifier string
	Password   string
	RatePerSec float64
	Timeout    time.Duration
}

// Client talks to a Bluesky PDS/AppView over XRPC. It implements Feed and
// Fetcher. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	lim  *rate.Limiter
	log  logx.Logger

	mu         sync.Mutex
	accessJWT  string
	refreshJWT string
	did        string
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://bsky.social"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		lim:  rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		log:  log,
	}
}

// DID returns the authenticated account id (empty before Login).
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

type xrpcError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *xrpcError) Error() string {
	return fmt.Sprintf("xrpc %d %s: %s", e.Status, e.Code, e.Message)
}

// Login creates a session with the configured credentials.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{"identifier": c.cfg.Identifier, "password": c.cfg.Password}
	var out struct {
		AccessJWT  string `json:"accessJwt"`
		RefreshJWT string `json:"refreshJwt"`
		DID        string `json:"did"`
	}
	if err := c.do(ctx, http.MethodPost, "com.atproto.server.createSession", nil, body, &out, false); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	c.mu.Lock()
	c.accessJWT, c.refreshJWT, c.did = out.AccessJWT, out.RefreshJWT, out.DID
	c.mu.Unlock()
	c.log.Info("platform session created", logx.String("did", out.DID))
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	tok := c.refreshJWT
	c.mu.Unlock()
	if tok == "" {
		return c.Login(ctx)
	}
	var out struct {
		AccessJWT  string `json:"accessJwt"`
		RefreshJWT string `json:"refreshJwt"`
	}
	req, err := c.newRequest(ctx, http.MethodPost, "com.atproto.server.refreshSession", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if err := c.send(req, &out); err != nil {
		return c.Login(ctx)
	}
	c.mu.Lock()
	c.accessJWT, c.refreshJWT = out.AccessJWT, out.RefreshJWT
	c.mu.Unlock()
	return nil
}

func (c *Client) ListNotifications(ctx context.Context, cursor string, limit int) ([]json.RawMessage, string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out struct {
		Cursor        string            `json:"cursor"`
		Notifications []json.RawMessage `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, "app.bsky.notification.listNotifications", q, nil, &out, true); err != nil {
		return nil, "", err
	}
	return out.Notifications, out.Cursor, nil
}

func (c *Client) UpdateSeen(ctx context.Context) error {
	body := map[string]string{"seenAt": time.Now().UTC().Format(time.RFC3339Nano)}
	return c.do(ctx, http.MethodPost, "app.bsky.notification.updateSeen", nil, body, nil, true)
}

type threadView struct {
	Type     string        `json:"$type"`
	NotFound bool          `json:"notFound"`
	Post     *postView     `json:"post"`
	Parent   *threadView   `json:"parent"`
	Replies  []*threadView `json:"replies"`
}

type postView struct {
	URI    string `json:"uri"`
	Author struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	Record struct {
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
		Reply     *struct {
			Parent struct {
				URI string `json:"uri"`
			} `json:"parent"`
		} `json:"reply"`
	} `json:"record"`
	IndexedAt string `json:"indexedAt"`
}

// FetchThread returns the thread around uri. The returned tree is rooted at
// the topmost fetched ancestor.
func (c *Client) FetchThread(ctx context.Context, uri string, opt FetchOptions) (*thread.Tree, error) {
	q := url.Values{}
	q.Set("uri", uri)
	q.Set("depth", strconv.Itoa(max(0, opt.Depth)))
	q.Set("parentHeight", strconv.Itoa(max(0, opt.ParentHeight)))
	var out struct {
		Thread *threadView `json:"thread"`
	}
	if err := c.do(ctx, http.MethodGet, "app.bsky.feed.getPostThread", q, nil, &out, true); err != nil {
		return nil, err
	}
	if out.Thread == nil || out.Thread.NotFound || out.Thread.Post == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return thread.NewTree(buildTree(out.Thread)), nil
}

// buildTree converts the view and hangs it under its parent chain.
func buildTree(v *threadView) *thread.Post {
	node := convertDown(v, map[string]bool{})
	top := node
	for p := v.Parent; p != nil && !p.NotFound && p.Post != nil; p = p.Parent {
		parent := convertPost(p.Post)
		top.ParentURI = parent.URI
		parent.Replies = append(parent.Replies, top)
		top = parent
	}
	return top
}

func convertDown(v *threadView, seen map[string]bool) *thread.Post {
	p := convertPost(v.Post)
	seen[p.URI] = true
	for _, r := range v.Replies {
		if r == nil || r.NotFound || r.Post == nil || seen[r.Post.URI] {
			continue
		}
		child := convertDown(r, seen)
		child.ParentURI = p.URI
		p.Replies = append(p.Replies, child)
	}
	return p
}

func convertPost(pv *postView) *thread.Post {
	p := &thread.Post{
		URI:          pv.URI,
		AuthorID:     pv.Author.DID,
		AuthorHandle: pv.Author.Handle,
		Text:         pv.Record.Text,
	}
	if pv.Record.Reply != nil {
		p.ParentURI = pv.Record.Reply.Parent.URI
	}
	if t, err := time.Parse(time.RFC3339Nano, pv.Record.CreatedAt); err == nil {
		p.CreatedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, pv.IndexedAt); err == nil {
		p.IndexedAt = t.UTC()
	}
	return p
}

func (c *Client) newRequest(ctx context.Context, method, nsid string, q url.Values, body any) (*http.Request, error) {
	u := c.cfg.BaseURL + "/xrpc/" + nsid
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, nsid string, q url.Values, body, out any, auth bool) error {
	for attempt := 0; ; attempt++ {
		if err := c.lim.Wait(ctx); err != nil {
			return err
		}
		req, err := c.newRequest(ctx, method, nsid, q, body)
		if err != nil {
			return err
		}
		if auth {
			c.mu.Lock()
			tok := c.accessJWT
			c.mu.Unlock()
			if tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		err = c.send(req, out)
		var xe *xrpcError
		if auth && attempt == 0 && errors.As(err, &xe) && (xe.Status == http.StatusUnauthorized || xe.Code == "ExpiredToken") {
			if rerr := c.refresh(ctx); rerr != nil {
				return fmt.Errorf("%w: %v", ErrAuth, rerr)
			}
			continue
		}
		return err
	}
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		xe := &xrpcError{Status: resp.StatusCode}
		_ = json.Unmarshal(b, xe)
		if xe.Code == "NotFound" || strings.Contains(xe.Message, "not found") {
			return fmt.Errorf("%w: %v", ErrNotFound, xe)
		}
		return xe
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}
