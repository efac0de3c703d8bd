// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/httputil"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

const maxRobotsBytes = 512 << 10

// allowed reports whether the host's robots.txt lets this adapter's user
// agent read pageURL. Each host's robots.txt is fetched once. A missing
// robots.txt allows everything; a 5xx or network failure is returned as a
// transient error and not cached.
func (a *Sitemap) allowed(ctx context.Context, pageURL string) (bool, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return false, nil
	}
	host := strings.ToLower(u.Scheme + "://" + u.Host)

	a.mu.Lock()
	data, ok := a.robots[host]
	a.mu.Unlock()
	if !ok {
		data, err = a.loadRobots(ctx, host)
		if err != nil {
			return false, err
		}
		a.mu.Lock()
		a.robots[host] = data
		a.mu.Unlock()
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, a.deps.userAgent()), nil
}

func (a *Sitemap) loadRobots(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	robotsURL := host + "/robots.txt"
	if err := a.acquire(ctx, robotsURL); err != nil {
		return nil, err
	}
	req, err := a.deps.newRequest(ctx, robotsURL, "text/plain", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.deps.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", robotsURL, httputil.ClassifyError(err))
	}
	defer resp.Body.Close()

	if types.IsTransientStatus(resp.StatusCode) {
		return nil, &types.StatusError{URL: robotsURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", robotsURL, httputil.ClassifyError(err))
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		a.deps.logger().Warn("unparseable robots.txt; allowing access", zap.String("url", robotsURL), zap.Error(err))
		return robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	}
	return data, nil
}
