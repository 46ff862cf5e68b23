// Package linkpreview fetches a page and extracts the metadata shown under
// links in chat: title, description, image, site name and favicon.
package linkpreview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"chillspace/pkg/apperr"
	"chillspace/pkg/state/logger"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultUserAgent   = "Mozilla/5.0 (compatible; ChillSpaceBot/1.0)"
	DefaultMaxBodySize = 2 << 20
	maxRedirects       = 5
)

type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image,omitempty"`
	Favicon     string `json:"favicon"`
	SiteName    string `json:"site_name"`
}

type Options struct {
	Timeout     time.Duration
	UserAgent   string
	MaxBodySize int
}

type Fetcher struct {
	client *fasthttp.Client
	opts   Options
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Fetcher{
		opts: opts,
		client: &fasthttp.Client{
			Name:                     opts.UserAgent,
			MaxResponseBodySize:      opts.MaxBodySize,
			ReadTimeout:              opts.Timeout,
			WriteTimeout:             opts.Timeout,
			NoDefaultUserAgentHeader: true,
		},
	}
}

// Fetch loads raw and extracts its preview. The whole exchange, redirects
// included, is bounded by the configured timeout and by ctx.
func (f *Fetcher) Fetch(ctx context.Context, raw string) (Preview, error) {
	page, err := validate(raw)
	if err != nil {
		return Preview{}, err
	}
	deadline := time.Now().Add(f.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	target := page
	for hop := 0; ; hop++ {
		if err := ctx.Err(); err != nil {
			return Preview{}, apperr.Classify("link preview", err)
		}
		req.Reset()
		req.SetRequestURI(target.String())
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.SetUserAgent(f.opts.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")

		if err := f.client.DoDeadline(req, resp, deadline); err != nil {
			logger.Debug("link_preview_failed", "url", raw, "error", err)
			if errors.Is(err, fasthttp.ErrBodyTooLarge) {
				return Preview{}, apperr.Validationf("link preview", "page larger than %d bytes", f.opts.MaxBodySize)
			}
			return Preview{}, apperr.Transient("link preview", err)
		}
		status := resp.StatusCode()
		if !fasthttp.StatusCodeIsRedirect(status) {
			if status < 200 || status > 299 {
				return Preview{}, apperr.Transient("link preview", fmt.Errorf("HTTP %d", status))
			}
			break
		}
		if hop >= maxRedirects {
			return Preview{}, apperr.Transient("link preview", errors.New("too many redirects"))
		}
		next, err := target.Parse(string(resp.Header.Peek(fasthttp.HeaderLocation)))
		if err != nil {
			return Preview{}, apperr.Transient("link preview", err)
		}
		target = next
	}

	p := Parse(page, bytes.NewReader(resp.Body()))
	p.URL = raw
	return p, nil
}

func validate(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperr.Validation("link preview", "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, apperr.Validationf("link preview", "invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.Validationf("link preview", "unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// Parse extracts a preview from the head of an HTML document. Missing
// values fall back to the page host name and /favicon.ico.
func Parse(page *url.URL, body io.Reader) Preview {
	meta := map[string]string{}
	var title, icon string

	z := html.NewTokenizer(body)
	inTitle := false
scan:
	for {
		switch z.Next() {
		case html.ErrorToken:
			break scan
		case html.TextToken:
			if inTitle && title == "" {
				title = strings.TrimSpace(html.UnescapeString(string(z.Text())))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Title:
				inTitle = false
			case atom.Head:
				break scan
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			attrs := map[string]string{}
			for hasAttr {
				var k, v []byte
				k, v, hasAttr = z.TagAttr()
				attrs[strings.ToLower(string(k))] = string(v)
			}
			switch atom.Lookup(name) {
			case atom.Title:
				inTitle = true
			case atom.Body:
				break scan
			case atom.Meta:
				key := strings.ToLower(attrs["property"])
				if key == "" {
					key = strings.ToLower(attrs["name"])
				}
				if _, seen := meta[key]; key != "" && !seen {
					meta[key] = strings.TrimSpace(attrs["content"])
				}
			case atom.Link:
				if icon == "" && isIconRel(attrs["rel"]) {
					icon = attrs["href"]
				}
			}
		}
	}

	p := Preview{
		Title:       first(meta["og:title"], title, page.Hostname()),
		Description: first(meta["og:description"], meta["description"]),
		Image:       resolve(page, meta["og:image"]),
		Favicon:     resolve(page, icon),
		SiteName:    first(meta["og:site_name"], page.Hostname()),
	}
	if p.Favicon == "" {
		p.Favicon = page.Scheme + "://" + page.Host + "/favicon.ico"
	}
	return p
}

func isIconRel(rel string) bool {
	rel = strings.ToLower(strings.TrimSpace(rel))
	return rel == "icon" || rel == "shortcut icon"
}

func first(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolve makes ref absolute against page. Protocol-relative references
// take https, matching what browsers do for mixed content.
func resolve(page *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	u, err := page.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}
