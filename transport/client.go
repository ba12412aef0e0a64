package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// ClientParams protocol client parameters
type ClientParams struct {
	// BaseURL the peer, e.g. "https://central.example.org:8443"
	BaseURL string `validate:"required,url"`
	// Timeout per request timeout
	Timeout time.Duration `validate:"required"`
	// Retries retry attempts on connection failures
	Retries int `validate:"gte=0"`
	// RetryWait wait between retries
	RetryWait time.Duration
}

// Client sync protocol client of one peer
type Client struct {
	goutils.Component

	client *resty.Client
}

/*
NewClient define new sync protocol client

	@param params ClientParams - client parameters
	@returns client instance
*/
func NewClient(params ClientParams) (*Client, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid sync client parameters [%w]", err)
	}
	client := resty.New().
		SetBaseURL(params.BaseURL+BasePath).
		SetTimeout(params.Timeout).
		SetRetryCount(params.Retries).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if params.RetryWait > 0 {
		client.SetRetryWaitTime(params.RetryWait)
	}
	return &Client{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "transport", "component": "api-client", "instance": params.BaseURL,
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		client: client,
	}, nil
}

/*
call issue one request and map the outcome to a typed error

	@param ctx context.Context - execution context
	@param method string - HTTP method
	@param path string - endpoint path
	@param token string - bearer token, empty for none
	@param body interface{} - request body, nil for none
	@param result interface{} - response target
	@param retry bool - whether a failed attempt may be repeated
*/
func (c *Client) call(
	ctx context.Context, method, path, token string, body, result interface{}, retry bool,
) error {
	request := c.client.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&models.ErrorResponse{})
	if !retry {
		request.AddRetryCondition(func(*resty.Response, error) bool { return false })
	}
	if token != "" {
		request.SetAuthToken(token)
	}
	if body != nil {
		request.SetBody(body)
	}

	resp, err := request.Execute(method, path)
	if err != nil {
		log.WithError(err).WithFields(c.GetLogTagsForContext(ctx)).
			WithField("path", path).
			Warn("Peer unreachable")
		return models.WrapSyncError(models.ErrCodeTransportFailure, err, "%s %s failed", method, path)
	}
	if !resp.IsError() {
		return nil
	}

	code := codeOfStatus(resp.StatusCode())
	message := resp.Status()
	if errResp, ok := resp.Error().(*models.ErrorResponse); ok && errResp != nil {
		if errResp.Code != "" {
			code = errResp.Code
		}
		if errResp.Message != "" {
			message = errResp.Message
		}
	}
	return models.NewSyncError(code, "%s", message)
}

// Status check that the peer is reachable
func (c *Client) Status(ctx context.Context) (models.StatusResponse, error) {
	var resp models.StatusResponse
	err := c.call(ctx, http.MethodGet, PathStatus, "", nil, &resp, true)
	return resp, err
}

// Connect start a session handshake
func (c *Client) Connect(
	ctx context.Context, req models.ConnectRequest,
) (models.ConnectResponse, error) {
	var resp models.ConnectResponse
	err := c.call(ctx, http.MethodPost, PathConnect, "", req, &resp, true)
	return resp, err
}

// Verify complete a session handshake
func (c *Client) Verify(
	ctx context.Context, req models.VerifyRequest,
) (models.VerifyResponse, error) {
	var resp models.VerifyResponse
	// The server takes a nonce once
	err := c.call(ctx, http.MethodPost, PathVerify, "", req, &resp, false)
	return resp, err
}

// Register submit a registration request
func (c *Client) Register(
	ctx context.Context, req models.RegisterRequest,
) (models.RegisterResponse, error) {
	var resp models.RegisterResponse
	// A repeated attempt would collide with the membership the first one created
	err := c.call(ctx, http.MethodPost, PathRegister, "", req, &resp, false)
	return resp, err
}

// Watermarks fetch the peer's watermarks
func (c *Client) Watermarks(ctx context.Context, token string) (models.Watermarks, error) {
	var resp models.WatermarksResponse
	if err := c.call(ctx, http.MethodPost, PathWatermarks, token, nil, &resp, true); err != nil {
		return nil, err
	}
	if resp.Watermarks == nil {
		return models.Watermarks{}, nil
	}
	return resp.Watermarks, nil
}

// Upload push one batch of records
func (c *Client) Upload(
	ctx context.Context, token string, req models.UploadRequest,
) (models.BatchResult, error) {
	var resp models.BatchResult
	err := c.call(ctx, http.MethodPost, PathUpload, token, req, &resp, true)
	return resp, err
}

// Download pull one page of records
func (c *Client) Download(
	ctx context.Context, token string, req models.DownloadRequest,
) (models.DownloadResponse, error) {
	var resp models.DownloadResponse
	err := c.call(ctx, http.MethodPost, PathDownload, token, req, &resp, true)
	return resp, err
}

// Close end the session the token belongs to
func (c *Client) Close(ctx context.Context, token string) error {
	return c.call(ctx, http.MethodPost, PathClose, token, nil, &struct{}{}, false)
}

// String describe the client
func (c *Client) String() string {
	return fmt.Sprintf("sync-client(%s)", c.client.BaseURL)
}
