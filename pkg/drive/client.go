package drive

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/errors"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	deltaPath       = "/drives/{driveId}/items/{itemId}/delta"
	childrenPath    = "/drives/{driveId}/items/{itemId}/children"
	itemPath        = "/drives/{driveId}/items/{itemId}"
	contentPath     = "/drives/{driveId}/items/{itemId}/content"
	permissionsPath = "/drives/{driveId}/items/{itemId}/permissions"

	// resyncRequired is the error code some deployments return instead of
	// (or along with) 410 Gone when a delta token can't be resumed.
	resyncRequired = "resyncRequired"
)

// Client talks to the remote drive. Every method takes the access token of
// the binding being synced; the client doesn't manage credentials.
type Client interface {
	// Delta returns every change under rootID since deltaLink. An empty
	// deltaLink enumerates the whole tree. errors.ErrDeltaTokenExpired is
	// returned when the token must be discarded; the caller owns the
	// re-enumeration because it also has to rebuild its folder map.
	Delta(ctx context.Context, accessToken, driveID, rootID, deltaLink string) (*DeltaPage, error)
	// ListFolder returns the direct children of a folder.
	ListFolder(ctx context.Context, accessToken, driveID, folderID string) ([]Item, error)
	// GetItem returns the metadata of a single item.
	GetItem(ctx context.Context, accessToken, driveID, itemID string) (*Item, error)
	// Download returns the content of a file.
	Download(ctx context.Context, accessToken, driveID, itemID string) ([]byte, error)
	// ListPermissions returns the lower-cased email addresses that are
	// granted access to an item.
	ListPermissions(ctx context.Context, accessToken, driveID, itemID string) ([]string, error)
}

// Config holds the client parameters.
type Config struct {
	BaseURL        string
	RetryCount     int
	RetryWait      time.Duration
	RetryMaxWait   time.Duration
	RequestTimeout time.Duration
	MaxFileSize    int64
}

type client struct {
	http        *resty.Client
	maxFileSize int64
	logger      *zap.Logger
}

// NewClient returns a drive client that retries rate-limited and transient
// failures, honouring the server's Retry-After hint.
func NewClient(cfg Config, logger *zap.Logger) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	r := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(shouldRetry).
		SetRetryAfter(retryAfter).
		AddRetryHook(func(resp *resty.Response, err error) {
			fields := []zap.Field{zap.Error(err)}
			if resp != nil {
				fields = append(fields,
					zap.Int("status", resp.StatusCode()),
					zap.String("url", resp.Request.URL),
					zap.Int("attempt", resp.Request.Attempt))
			}
			logger.Warn("Retrying drive request", fields...)
		})
	if cfg.RequestTimeout > 0 {
		r.SetTimeout(cfg.RequestTimeout)
	}

	return &client{
		http:        r,
		maxFileSize: cfg.MaxFileSize,
		logger:      logger,
	}
}

func shouldRetry(resp *resty.Response, err error) bool {
	if err != nil {
		return !stderrors.Is(err, resty.ErrResponseBodyTooLarge)
	}
	switch resp.StatusCode() {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter reads the Retry-After header (seconds or HTTP date). A zero
// duration lets resty fall back to its exponential backoff.
func retryAfter(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	if resp == nil {
		return 0, nil
	}
	v := resp.Header().Get("Retry-After")
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), nil
	}
	return 0, nil
}

func (c *client) request(ctx context.Context, accessToken, driveID, itemID string) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetPathParams(map[string]string{
			"driveId": driveID,
			"itemId":  itemID,
		})
}

// checkResponse translates transport failures and HTTP error statuses into
// domain errors.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("requesting drive: %w", err)
	}
	if !resp.IsError() {
		return nil
	}

	var body errorBody
	_ = json.Unmarshal(resp.Body(), &body)
	detail := body.Error.Message
	if detail == "" {
		detail = resp.Status()
	}

	switch {
	case resp.StatusCode() == http.StatusGone || body.Error.Code == resyncRequired:
		return fmt.Errorf("%s: %w", detail, errors.ErrDeltaTokenExpired)
	case resp.StatusCode() == http.StatusTooManyRequests:
		return errorsx.AddMessage(
			fmt.Errorf("%s: %w", detail, errorsx.ErrRateLimiting),
			"The drive is throttling requests. The sync will be retried later.",
		)
	case resp.StatusCode() == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", detail, errorsx.ErrUnauthenticated)
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, errorsx.ErrNotFound)
	}

	return fmt.Errorf("drive responded with status %d: %s", resp.StatusCode(), detail)
}

// Delta implements Client.Delta.
func (c *client) Delta(ctx context.Context, accessToken, driveID, rootID, deltaLink string) (*DeltaPage, error) {
	logger := c.logger.With(zap.String("driveID", driveID), zap.String("rootID", rootID))

	next := deltaLink
	if next == "" {
		next = deltaPath
	}

	page := &DeltaPage{}
	for pages := 1; ; pages++ {
		var body itemPage
		resp, err := c.request(ctx, accessToken, driveID, rootID).SetResult(&body).Get(next)
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}

		for _, it := range body.Value {
			page.Items = append(page.Items, it.toItem())
		}

		if body.NextLink != "" {
			next = body.NextLink
			continue
		}

		page.DeltaLink = body.DeltaLink
		logger.Debug("Delta query completed",
			zap.Int("pages", pages),
			zap.Int("items", len(page.Items)),
			zap.Bool("fullEnumeration", deltaLink == ""))
		return page, nil
	}
}

// ListFolder implements Client.ListFolder.
func (c *client) ListFolder(ctx context.Context, accessToken, driveID, folderID string) ([]Item, error) {
	var items []Item
	next := childrenPath
	for next != "" {
		var body itemPage
		resp, err := c.request(ctx, accessToken, driveID, folderID).SetResult(&body).Get(next)
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		for _, it := range body.Value {
			items = append(items, it.toItem())
		}
		next = body.NextLink
	}
	return items, nil
}

// GetItem implements Client.GetItem.
func (c *client) GetItem(ctx context.Context, accessToken, driveID, itemID string) (*Item, error) {
	var body driveItem
	resp, err := c.request(ctx, accessToken, driveID, itemID).SetResult(&body).Get(itemPath)
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	it := body.toItem()
	return &it, nil
}

// Download implements Client.Download. The body is read up to the size
// limit and the request fails as soon as it goes over.
func (c *client) Download(ctx context.Context, accessToken, driveID, itemID string) ([]byte, error) {
	req := c.request(ctx, accessToken, driveID, itemID)
	if c.maxFileSize > 0 {
		req.SetResponseBodyLimit(int(min(c.maxFileSize, math.MaxInt)))
	}
	resp, err := req.Get(contentPath)
	if stderrors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, fmt.Errorf("file is over the %d bytes limit: %w", c.maxFileSize, errors.ErrUnsupportedFile)
	}
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// ListPermissions implements Client.ListPermissions.
func (c *client) ListPermissions(ctx context.Context, accessToken, driveID, itemID string) ([]string, error) {
	seen := map[string]bool{}
	var emails []string
	add := func(email string) {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" || seen[email] {
			return
		}
		seen[email] = true
		emails = append(emails, email)
	}

	next := permissionsPath
	for next != "" {
		var body permissionPage
		resp, err := c.request(ctx, accessToken, driveID, itemID).SetResult(&body).Get(next)
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}

		for _, p := range body.Value {
			if p.GrantedToV2 != nil {
				if p.GrantedToV2.User != nil {
					add(p.GrantedToV2.User.Email)
				}
				if p.GrantedToV2.SiteUser != nil {
					add(p.GrantedToV2.SiteUser.Email)
				}
			}
			for _, g := range p.GrantedToIdentitiesV2 {
				if g.User != nil {
					add(g.User.Email)
				}
			}
			if p.Invitation != nil {
				add(p.Invitation.Email)
			}
		}
		next = body.NextLink
	}

	return emails, nil
}
