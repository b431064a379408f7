package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quizarena/live/internal/domain"
)

// HTTPClient fetches quizzes from the quiz content service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 4 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Quiz calls GET {base}/quizzes/{id}.
func (c *HTTPClient) Quiz(ctx context.Context, id string) (*Quiz, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/quizzes/%s", c.baseURL, url.PathEscape(id)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: quiz service: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: quiz service non-2xx: %d", domain.ErrUnavailable, resp.StatusCode)
	}

	var q Quiz
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("decode quiz %s: %w", id, err)
	}
	if q.ID == "" {
		q.ID = id
	}
	if len(q.Questions) == 0 {
		return nil, fmt.Errorf("%w: quiz %s has no questions", domain.ErrInvalid, id)
	}
	q.Normalize()
	return &q, nil
}
