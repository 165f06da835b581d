package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("nikune/social")

// APIError is a non-200 XRPC response.
type APIError struct {
	StatusCode int
	// XRPC error name, eg "ExpiredToken"
	Code    string
	Message string
	// set when the server sent ratelimit headers
	RatelimitReset time.Time
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("XRPC ERROR %d", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode == http.StatusTooManyRequests && !e.RatelimitReset.IsZero() {
		msg += fmt.Sprintf(" (throttled until %s)", e.RatelimitReset.Local())
	}
	return msg
}

func (e *APIError) IsThrottled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func isExpiredToken(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "ExpiredToken"
}

func apiErrorFromResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
	}
	if n, err := strconv.ParseInt(resp.Header.Get("ratelimit-reset"), 10, 64); err == nil {
		apiErr.RatelimitReset = time.Unix(n, 0)
	}
	return apiErr
}

type xrpcCall struct {
	// GET for queries, POST for procedures
	Method string
	NSID   string
	Params url.Values
	Body   any
	Token  string
}

func (c *BskyClient) call(ctx context.Context, xc xrpcCall, out any) (err error) {
	ctx, span := tracer.Start(ctx, "xrpc "+xc.NSID, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("xrpc.method", xc.Method))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if xc.Body != nil {
		b, err := json.Marshal(xc.Body)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	uri := c.Host + "/xrpc/" + xc.NSID
	if len(xc.Params) > 0 {
		uri += "?" + xc.Params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, xc.Method, uri, body)
	if err != nil {
		return err
	}
	if xc.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if xc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+xc.Token)
	}

	// queries may be retried by the transport; procedures are sent once
	client := c.readClient
	if xc.Method == http.MethodPost {
		client = c.writeClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiErrorFromResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding xrpc response: %w", err)
		}
	}
	return nil
}
