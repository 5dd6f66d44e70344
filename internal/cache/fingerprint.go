package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/pagelens/renderd/pkg/types"
)

// IsCacheable reports whether a request's result can ever be reused.
// Screenshot/PDF targets, custom scripts, click interactions and explicit
// network-idle waits all signal non-reproducible or side-effecting renders.
func IsCacheable(req *types.RenderRequest) bool {
	if req.Output == types.OutputScreenshot || req.Output == types.OutputPDF {
		return false
	}
	if req.CustomScript != "" {
		return false
	}
	if len(req.ClickSelectors) > 0 {
		return false
	}
	if req.WaitUntil == types.WaitNetworkIdle {
		return false
	}
	return true
}

// Fingerprint digests the normalized URL plus the option subset that
// deterministically affects output. Same page + same effective options
// always produce the same fingerprint.
func Fingerprint(req *types.RenderRequest) (string, error) {
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		return "", err
	}

	h := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.WriteString("\x00")
		}
	}

	write(normalized, req.Output, req.WaitUntil, req.UserAgent)
	write(fmt.Sprintf("ew=%d", req.ExtraWait))
	write(fmt.Sprintf("scroll=%t", req.ScrollToBottom))
	if req.Viewport != nil {
		write(fmt.Sprintf("vp=%dx%d", req.Viewport.Width, req.Viewport.Height))
	}
	write(req.WaitForSelectors...)
	write(req.RemoveElements...)

	// Headers and cookies shape the served content; digest them in a
	// stable order.
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		write("h:" + k + "=" + req.Headers[k])
	}
	cookies := make([]string, 0, len(req.Cookies))
	for _, c := range req.Cookies {
		cookies = append(cookies, "c:"+c.Name+"="+c.Value+"@"+c.Domain+c.Path)
	}
	sort.Strings(cookies)
	write(cookies...)

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// NormalizeURL converts a URL to canonical form: lowercased scheme and
// host, default ports stripped, path collapsed, query sorted, fragment
// dropped.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url: missing host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ".")

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = normalizePath(u.Path)

	u.RawQuery = normalizeQuery(u.RawQuery)
	u.Fragment = ""

	return u.String(), nil
}

func normalizePath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	parts := strings.Split(path, "/")
	resolved := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case ".":
		case "..":
			if len(resolved) > 1 {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	out := strings.Join(resolved, "/")
	if out == "" {
		out = "/"
	}
	return out
}

func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	return values.Encode() // sorted by key
}
