package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultImgBBEndpoint is the public ImgBB upload API.
const DefaultImgBBEndpoint = "https://api.imgbb.com/1/upload"

// StatusError is returned when the host answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image host returned status %d: %s", e.Code, e.Body)
}

// ImgBB uploads images to an ImgBB compatible API.
type ImgBB struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewImgBB creates an ImgBB host. Per-attempt deadlines come from the
// request context, so the client itself carries no timeout.
func NewImgBB(endpoint, apiKey string, httpClient *http.Client) *ImgBB {
	if endpoint == "" {
		endpoint = DefaultImgBBEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ImgBB{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type imgbbResponse struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Data    struct {
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Put uploads one image and returns its hosted URL.
func (h *ImgBB) Put(ctx context.Context, img Image) (string, error) {
	form := url.Values{}
	if img.URL != "" {
		form.Set("image", img.URL)
	} else {
		form.Set("image", base64.StdEncoding.EncodeToString(img.Data))
	}

	endpoint := h.endpoint + "?key=" + url.QueryEscape(h.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result imgbbResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode image host response: %w", err)
	}
	if !result.Success || result.Data.URL == "" {
		if result.Error.Message != "" {
			return "", fmt.Errorf("image host rejected upload: %s", result.Error.Message)
		}
		return "", fmt.Errorf("image host returned no URL")
	}

	return result.Data.URL, nil
}
