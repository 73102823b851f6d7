// Package unsplash is a minimal client for the Unsplash photo search API.
package unsplash

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmarins/snapseek/internal/domain"
	"github.com/dmarins/snapseek/internal/ratelimit"
)

const (
	defaultBaseURL = "https://api.unsplash.com"

	// The free tier allows 50 requests per hour. Enforced client-side as
	// well so a large fetch fails fast instead of burning the quota.
	hourlyQuota = 50

	maxPerPage = 30
)

type Client struct {
	accessKey string
	baseURL   string

	client *http.Client
	rl     *ratelimit.Limiter
}

// Photo is one search result. RegularURL points at the 1080px rendition
// which is what gets downloaded.
type Photo struct {
	ID               string
	Description      string
	RegularURL       string
	ThumbURL         string
	Photographer     string
	PhotographerURL  string
	downloadLocation string
}

func Init(accessKey string, httpClient *http.Client) *Client {
	return &Client{
		accessKey: accessKey,
		baseURL:   defaultBaseURL,
		client:    httpClient,
		rl:        ratelimit.New(hourlyQuota, time.Hour),
	}
}

// Search queries /search/photos for landscape photos matching query.
// perPage is capped at the API maximum of 30.
func (c *Client) Search(ctx context.Context, query string, perPage int) ([]Photo, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", strconv.Itoa(min(perPage, maxPerPage)))
	params.Set("page", "1")
	params.Set("orientation", "landscape")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search/photos?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Client-ID "+c.accessKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unsplash search: %v: %w", err, domain.ErrExternalService)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decoding
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("unsplash access key rejected, check UNSPLASH_ACCESS_KEY: %w", domain.ErrAuth)
	case http.StatusForbidden:
		return nil, fmt.Errorf("unsplash hourly request quota reached, wait an hour and retry: %w", domain.ErrRateLimited)
	default:
		return nil, fmt.Errorf("unsplash search returned %s: %w", resp.Status, domain.ErrExternalService)
	}

	var body struct {
		Results []struct {
			ID             string `json:"id"`
			Description    string `json:"description"`
			AltDescription string `json:"alt_description"`
			URLs           struct {
				Regular string `json:"regular"`
				Thumb   string `json:"thumb"`
			} `json:"urls"`
			User struct {
				Name  string `json:"name"`
				Links struct {
					HTML string `json:"html"`
				} `json:"links"`
			} `json:"user"`
			Links struct {
				DownloadLocation string `json:"download_location"`
			} `json:"links"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("unsplash search response: %v: %w", err, domain.ErrExternalService)
	}

	photos := make([]Photo, 0, len(body.Results))
	for _, r := range body.Results {
		desc := r.Description
		if desc == "" {
			desc = r.AltDescription
		}
		photos = append(photos, Photo{
			ID:               r.ID,
			Description:      desc,
			RegularURL:       r.URLs.Regular,
			ThumbURL:         r.URLs.Thumb,
			Photographer:     r.User.Name,
			PhotographerURL:  r.User.Links.HTML,
			downloadLocation: r.Links.DownloadLocation,
		})
	}

	return photos, nil
}

// Download fetches the photo into dir as <id>.jpg and returns the file
// path. Already downloaded photos are skipped. On a fresh download the
// photo's download endpoint is pinged, which the Unsplash API guidelines
// require; failures there are ignored.
func (c *Client) Download(ctx context.Context, photo Photo, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	fpath := filepath.Join(dir, photo.ID+".jpg")
	if _, err := os.Stat(fpath); err == nil {
		return fpath, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photo.RegularURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("unsplash download: %v: %w", err, domain.ErrExternalService)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unsplash download returned %s: %w", resp.Status, domain.ErrExternalService)
	}

	f, err := os.Create(fpath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(fpath)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	c.triggerDownload(ctx, photo)
	return fpath, nil
}

func (c *Client) triggerDownload(ctx context.Context, photo Photo) {
	if photo.downloadLocation == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photo.downloadLocation, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Client-ID "+c.accessKey)
	if resp, err := c.client.Do(req); err == nil {
		resp.Body.Close()
	}
}

// QueryDir returns the per-query subdirectory of cacheDir that Download
// should be pointed at, e.g. "nature landscape" -> nature_landscape.
func QueryDir(cacheDir, query string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(query), "_"))
	return filepath.Join(cacheDir, slug)
}
