package log

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// Transport returns an http.RoundTripper that stamps every outgoing request
// with an X-Request-ID header and logs the completed call.
// base defaults to http.DefaultTransport.
func Transport(logger zerolog.Logger, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{logger: logger, base: base}
}

type loggingTransport struct {
	logger zerolog.Logger
	base   http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := req.Header.Get(headerRequestID)
	if reqID == "" {
		reqID = uuid.New().String()
		// RoundTrip must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set(headerRequestID, reqID)
	}

	resp, err := t.base.RoundTrip(req)

	evt := t.logger.Debug()
	if err != nil {
		evt = t.logger.Warn().Err(err)
	}
	evt = evt.
		Str(FieldRequestID, reqID).
		Str(FieldMethod, req.Method).
		Str(FieldPath, req.URL.Path).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds()))
	if resp != nil {
		evt = evt.Int(FieldStatus, resp.StatusCode)
	}
	evt.Msg("rest call completed")

	return resp, err
}
