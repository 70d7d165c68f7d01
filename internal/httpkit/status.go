package httpkit

import (
	"context"
	"fmt"
	"net/http"
	"slices"
)

// errorBodyLimit bounds how much of a failed response is kept.
const errorBodyLimit = 512

// StatusError is an HTTP response with an unexpected status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// CheckStatus returns nil when resp has one of the ok codes (200 when
// none are given). Otherwise it consumes the head of the body into a
// [*StatusError]; the caller still closes resp.Body.
func CheckStatus(resp *http.Response, ok ...int) error {
	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	if slices.Contains(ok, resp.StatusCode) {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Body: ReadErrorBody(resp.Body, errorBodyLimit)}
}

// Probe issues a GET to target and reports whether the service
// answers. Client errors (4xx) still prove reachability; transport
// failures and 5xx responses do not.
func Probe(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= http.StatusInternalServerError {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
