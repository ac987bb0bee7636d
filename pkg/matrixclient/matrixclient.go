package matrixclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/pkg/locator"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 16 << 20

const userAgent = "mattercomments"

type Config struct {
	HomeserverURL string
	// HTTPClient defaults to a client without timeout; cancel through
	// the request context instead.
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// Client speaks the Matrix client-server API. It holds no credentials:
// every authenticated call takes the access token of the session doing it.
type Client struct {
	homeserver string
	locator    *locator.Locator
	httpClient *http.Client
	logger     *logrus.Entry
}

func New(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("%w: homeserver url is required", bridge.ErrConfig)
	}

	u, err := url.Parse(cfg.HomeserverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid homeserver url %q", bridge.ErrConfig, cfg.HomeserverURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		rootLogger := logrus.New()
		rootLogger.SetFormatter(&prefixed.TextFormatter{
			PrefixPadding: 13,
			DisableColors: true,
		})
		logger = rootLogger.WithFields(logrus.Fields{"prefix": "matrixclient"})
	}

	return &Client{
		homeserver: cfg.HomeserverURL,
		locator:    locator.New(cfg.HomeserverURL),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) Locator() *locator.Locator {
	return c.locator
}

func (c *Client) Homeserver() string {
	return c.locator.Homeserver()
}

// api returns a mautrix client acting with token for the duration of
// ctx. mautrix requests carry no context, so ctx rides on the transport.
func (c *Client) api(ctx context.Context, token string) (*mautrix.Client, error) {
	mc, err := mautrix.NewClient(c.homeserver, "", token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrConfig, err)
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	mc.UserAgent = userAgent
	mc.Client = &http.Client{
		Transport:     &contextTransport{ctx: ctx, base: base},
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}

	return mc, nil
}

// contextTransport binds every request to ctx and caps response bodies.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(t.ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	resp.Body = limitedBody{Reader: io.LimitReader(resp.Body, maxResponseSize), Closer: resp.Body}

	return resp, nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// wrapError maps what mautrix returns onto the bridge error taxonomy:
// transport problems become ErrNetwork/ErrTimeout, non-2xx a
// *bridge.StatusError and undecodable bodies ErrBadBody.
func (c *Client) wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		httpErr   mautrix.HTTPError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &httpErr):
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return fmt.Errorf("%s: %w: %v", op, bridge.ErrBadBody, err)
	default:
		return bridge.TransportError(op, err)
	}

	if httpErr.WrappedError == nil && httpErr.Response != nil {
		statusErr := &bridge.StatusError{StatusCode: httpErr.Response.StatusCode}
		if httpErr.RespError != nil {
			statusErr.Code = httpErr.RespError.ErrCode
			statusErr.Message = httpErr.RespError.Err
		}

		c.logger.Debugf("%s: %s", op, statusErr)

		return fmt.Errorf("%s: %w", op, statusErr)
	}

	switch {
	case httpErr.ResponseBody != "" || errors.As(httpErr.WrappedError, &syntaxErr) || errors.As(httpErr.WrappedError, &typeErr):
		return fmt.Errorf("%s: %w: %v", op, bridge.ErrBadBody, httpErr.WrappedError)
	case httpErr.Response == nil && httpErr.Request == nil:
		// marshalling or building the request failed
		return fmt.Errorf("%s: %w: %v", op, bridge.ErrConfig, httpErr.WrappedError)
	}

	return bridge.TransportError(op, httpErr.WrappedError)
}
