package provisioning

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
)

const (
	httpRetryMax     = 4
	httpRetryWaitMin = 500 * time.Millisecond
	httpRetryWaitMax = 10 * time.Second
	httpTimeout      = 60 * time.Second
)

// newHTTPClient returns a client that retries idempotent requests on
// connection errors, 429 and 5xx. Creating requests go out exactly once so a
// lost response never produces a duplicate server.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = httpRetryMax
	rc.RetryWaitMin = httpRetryWaitMin
	rc.RetryWaitMax = httpRetryWaitMax
	rc.HTTPClient.Timeout = httpTimeout
	rc.Logger = zapLeveledLogger{logging.Logger().Named("http")}

	return &http.Client{
		Timeout: httpTimeout,
		Transport: &idempotentTransport{
			retry: &retryablehttp.RoundTripper{Client: rc},
			plain: rc.HTTPClient.Transport,
		},
	}
}

type idempotentTransport struct {
	retry http.RoundTripper
	plain http.RoundTripper
}

func (t *idempotentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if isIdempotent(req.Method) {
		return t.retry.RoundTrip(req)
	}
	return t.plain.RoundTrip(req)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// zapLeveledLogger adapts zap to retryablehttp.LeveledLogger.
type zapLeveledLogger struct {
	logger *zap.Logger
}

func (l zapLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l zapLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Warnw(msg, keysAndValues...)
}

var _ retryablehttp.LeveledLogger = zapLeveledLogger{}
