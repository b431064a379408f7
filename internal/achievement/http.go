package achievement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HTTPNotifier posts events to {base}/events.
type HTTPNotifier struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPNotifier(baseURL string, httpClient *http.Client) *HTTPNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPNotifier{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (n *HTTPNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("achievement service non-2xx: %d", resp.StatusCode)
	}
	return nil
}
