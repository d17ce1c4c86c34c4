package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// postFields is the fixed projection requested for every post fetch.
const postFields = "id,message,permalink_url,created_time,from,attachments{media,type,url}"

// createdTimeLayout is the Graph API timestamp format.
const createdTimeLayout = "2006-01-02T15:04:05-0700"

// transientCodes are the Graph error classes worth retrying: unknown (1),
// service (2), throttling (4), user request limit (17).
var transientCodes = map[int]struct{}{1: {}, 2: {}, 4: {}, 17: {}}

// GraphError is a failed Graph API call, classified for the pipeline.
type GraphError struct {
	Message    string
	Code       int
	HTTPStatus int
	Retryable  bool
}

func (e *GraphError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("graph api error (code %d, http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("graph api error (http %d): %s", e.HTTPStatus, e.Message)
}

// IsRetryable reports whether err is a GraphError worth another attempt.
func IsRetryable(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.Retryable
}

type GraphFrom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type GraphImage struct {
	Src string `json:"src"`
}

type GraphMedia struct {
	Image *GraphImage `json:"image"`
}

type GraphAttachment struct {
	Media *GraphMedia `json:"media"`
	Type  string      `json:"type"`
	URL   string      `json:"url"`
}

// GraphPost is the fetched post projection.
type GraphPost struct {
	ID           string     `json:"id"`
	Message      string     `json:"message"`
	PermalinkURL string     `json:"permalink_url"`
	CreatedTime  string     `json:"created_time"`
	From         *GraphFrom `json:"from"`
	Attachments  struct {
		Data []GraphAttachment `json:"data"`
	} `json:"attachments"`
}

// CreatedAt parses the Graph timestamp; nil when absent or malformed.
func (p *GraphPost) CreatedAt() *time.Time {
	if p.CreatedTime == "" {
		return nil
	}
	t, err := time.Parse(createdTimeLayout, p.CreatedTime)
	if err != nil {
		return nil
	}
	return &t
}

// FirstImageURL returns the first image attachment, if any.
func (p *GraphPost) FirstImageURL() string {
	for _, att := range p.Attachments.Data {
		if att.Media != nil && att.Media.Image != nil && att.Media.Image.Src != "" {
			return att.Media.Image.Src
		}
	}
	return ""
}

// Client talks to the Graph API for a single page.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	appSecret   string
	pageID      string
	logger      *slog.Logger
}

func NewClient(host, version, pageID, accessToken, appSecret string, logger *slog.Logger) *Client {
	return &Client{
		// Fetch sits on the user-facing latency path; keep the cap tight
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     fmt.Sprintf("https://%s/%s", host, version),
		accessToken: accessToken,
		appSecret:   appSecret,
		pageID:      pageID,
		logger:      logger,
	}
}

// FetchPost retrieves the full post record. Posts whose author is not the
// configured page are rejected with a non-retryable error so a compromised
// token can never relay third-party content.
func (c *Client) FetchPost(ctx context.Context, postID string) (*GraphPost, error) {
	params := url.Values{}
	params.Set("fields", postFields)
	params.Set("access_token", c.accessToken)
	params.Set("appsecret_proof", AppSecretProof(c.appSecret, c.accessToken))

	var post GraphPost
	if err := c.get(ctx, postID, params, &post); err != nil {
		return nil, err
	}

	if post.From == nil || post.From.ID != c.pageID {
		return nil, &GraphError{
			Message:   "post not from configured page",
			Retryable: false,
		}
	}

	return &post, nil
}

// VerifyPageAccess is the one-shot startup probe: a failing token should kill
// the worker loudly instead of feeding a silent retry loop.
func (c *Client) VerifyPageAccess(ctx context.Context) error {
	params := url.Values{}
	params.Set("fields", "id,name")
	params.Set("access_token", c.accessToken)

	var page struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.get(ctx, c.pageID, params, &page); err != nil {
		return err
	}

	c.logger.Info("Page access verified", "page_id", page.ID, "page_name", page.Name)
	return nil
}

// Subscribe attaches this app to the page's feed field.
func (c *Client) Subscribe(ctx context.Context) error {
	params := url.Values{}
	params.Set("subscribed_fields", "feed")
	params.Set("access_token", c.accessToken)
	params.Set("appsecret_proof", AppSecretProof(c.appSecret, c.accessToken))

	endpoint := fmt.Sprintf("%s/%s/subscribed_apps?%s", c.baseURL, c.pageID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build subscribe request: %w", err)
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := c.do(req, &result); err != nil {
		return err
	}
	if !result.Success {
		return &GraphError{Message: "subscribed_apps did not confirm success", Retryable: false}
	}
	return nil
}

// ListSubscriptions reads back the apps subscribed to the page, with their
// subscribed fields.
func (c *Client) ListSubscriptions(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("access_token", c.accessToken)
	params.Set("appsecret_proof", AppSecretProof(c.appSecret, c.accessToken))

	var result struct {
		Data []struct {
			Name             string   `json:"name"`
			SubscribedFields []string `json:"subscribed_fields"`
		} `json:"data"`
	}
	if err := c.get(ctx, c.pageID+"/subscribed_apps", params, &result); err != nil {
		return nil, err
	}

	var subs []string
	for _, app := range result.Data {
		subs = append(subs, fmt.Sprintf("%s: %v", app.Name, app.SubscribedFields))
	}
	return subs, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build graph request: %w", err)
	}
	return c.do(req, out)
}

// do executes the request and translates failures into GraphError with the
// transient/terminal classification the pipeline consumes.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures (DNS, refused, our own timeout) are all transient
		return &GraphError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GraphError{Message: fmt.Sprintf("failed to read response: %v", err), HTTPStatus: resp.StatusCode, Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &envelope)

		_, transient := transientCodes[envelope.Error.Code]
		return &GraphError{
			Message:    envelope.Error.Message,
			Code:       envelope.Error.Code,
			HTTPStatus: resp.StatusCode,
			Retryable:  transient || resp.StatusCode >= 500,
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &GraphError{Message: fmt.Sprintf("failed to decode response: %v", err), HTTPStatus: resp.StatusCode, Retryable: false}
	}
	return nil
}
