package locate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/modelinstall/internal/download"
	"github.com/BadgerOps/modelinstall/internal/safety"
)

const (
	maxListingResponseBytes int64 = 4 * 1024 * 1024
	maxListingPages               = 100
)

// HTTPLister lists a folder through a Firebase-Storage-style JSON API:
//
//	GET {BaseURL}/o?prefix=llm/&delimiter=/
//	{"prefixes": [...], "items": [{"name": "llm/model.task", "size": "123"}], "nextPageToken": "..."}
//
// Objects are then downloaded from {BaseURL}/o/{escaped name}?alt=media.
type HTTPLister struct {
	BaseURL   string
	Headers   map[string]string
	Client    *http.Client
	UserAgent string
}

type listingItem struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	ContentType string `json:"contentType"`
}

type listingPage struct {
	Prefixes      []string      `json:"prefixes"`
	Items         []listingItem `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// List implements Lister.
func (h *HTTPLister) List(ctx context.Context, folder string) ([]Object, error) {
	base, err := safety.ValidateHTTPURL(h.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing URL: %w", err)
	}

	var objects []Object
	token := ""
	for page := 0; page < maxListingPages; page++ {
		u := *base
		u.Path = strings.TrimSuffix(u.Path, "/") + "/o"
		q := url.Values{}
		q.Set("prefix", folderPrefix(folder))
		q.Set("delimiter", "/")
		if token != "" {
			q.Set("pageToken", token)
		}
		u.RawQuery = q.Encode()

		var lp listingPage
		if err := h.fetch(ctx, u.String(), &lp); err != nil {
			return nil, err
		}
		for _, p := range lp.Prefixes {
			objects = append(objects, Object{Name: p, Size: -1, IsDir: true})
		}
		for _, it := range lp.Items {
			size := int64(-1)
			if it.Size != "" {
				if n, err := strconv.ParseInt(it.Size, 10, 64); err == nil {
					size = n
				}
			}
			objects = append(objects, Object{Name: it.Name, Size: size, IsDir: strings.HasSuffix(it.Name, "/")})
		}
		if lp.NextPageToken == "" {
			return objects, nil
		}
		token = lp.NextPageToken
	}
	return nil, fmt.Errorf("listing exceeded %d pages", maxListingPages)
}

// Source implements Lister.
func (h *HTTPLister) Source(obj Object) download.Source {
	return download.HTTPURL{URL: h.DownloadURL(obj.Name), Headers: h.Headers}
}

// DownloadURL returns the media URL for an object key.
func (h *HTTPLister) DownloadURL(name string) string {
	return strings.TrimSuffix(h.BaseURL, "/") + "/o/" + url.PathEscape(name) + "?alt=media"
}

func (h *HTTPLister) fetch(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	ua := h.UserAgent
	if ua == "" {
		ua = "modelinstall/1.0"
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	for k, val := range h.Headers {
		req.Header.Set(k, val)
	}

	client := h.Client
	if client == nil {
		client = safety.NewHTTPClient(30 * time.Second)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxListingResponseBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return fmt.Errorf("listing exceeded %d bytes: %w", maxListingResponseBytes, err)
		}
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding listing: %w", err)
	}
	return nil
}
