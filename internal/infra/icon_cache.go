package infra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// ErrNotRemoteImage is returned for token images bundled with the frontend
var ErrNotRemoteImage = errors.New("image is not an http(s) URL")

// IconCache downloads token images and keeps square thumbnails on disk
type IconCache struct {
	basePath string
	size     int
	client   *http.Client
}

// NewIconCache creates the cache directory and an HTTP client for downloads
func NewIconCache(dir string, size int) (*IconCache, error) {
	// Ensure directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &IconCache{
		basePath: dir,
		size:     size,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}, nil
}

// Fetch returns the local thumbnail of symbol, downloading imageURL on a miss
func (c *IconCache) Fetch(ctx context.Context, symbol, imageURL string) (string, error) {
	// Security: Sanitize symbol to prevent path traversal
	safeSymbol := sanitizeSymbol(symbol)
	if safeSymbol == "" {
		return "", fmt.Errorf("invalid symbol: %s", symbol)
	}

	filePath := c.Path(safeSymbol)

	// Check if exists
	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil // Cache Hit
	}

	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrNotRemoteImage
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	// Decode the image
	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// Square thumbnail with high-quality Lanczos filter
	thumb := imaging.Fill(srcImg, c.size, c.size, imaging.Center, imaging.Lanczos)

	// Write to a temp file first so concurrent readers never see a partial PNG
	tmp := strings.TrimSuffix(filePath, ".png") + ".part.png"
	if err := imaging.Save(thumb, tmp); err != nil {
		return "", fmt.Errorf("failed to save resized image: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	return filePath, nil
}

// Path returns the local path for a symbol's icon
func (c *IconCache) Path(symbol string) string {
	return filepath.Join(c.basePath, strings.ToLower(sanitizeSymbol(symbol))+".png")
}

func sanitizeSymbol(symbol string) string {
	res := make([]rune, 0, len(symbol))
	for _, r := range symbol {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			res = append(res, r)
		}
	}
	return string(res)
}
