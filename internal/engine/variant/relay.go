package variant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPRelay verifies remote-token credentials against another validation
// server speaking the /v1/validate/check form protocol. The verdict is
// read from the response body, never inferred from the status code alone.
type HTTPRelay struct {
	URL    string
	Client *http.Client
}

func (r *HTTPRelay) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *HTTPRelay) Verify(ctx context.Context, user, password string) (bool, error) {
	form := url.Values{}
	form.Set("user", user)
	form.Set("pass", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("remote validation: unexpected status %d", resp.StatusCode)
	}

	var verdict struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&verdict); err != nil {
		return false, fmt.Errorf("remote validation: %w", err)
	}
	return verdict.Authenticated, nil
}
