package sources

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"
)

// retryClient wraps http.Client with bounded retries, exponential backoff
// with jitter, and W3C trace context injection. Circuit breaking and rate
// limiting live one level up in the Fetcher; this client only smooths over
// transient 5xx/network blips.
type retryClient struct {
	client     *http.Client
	maxRetries int
}

func newRetryClient(timeout time.Duration) *retryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &retryClient{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
	}
}

// Do executes the request, retrying on network errors and 5xx responses.
func (c *retryClient) Do(req *http.Request) (*http.Response, error) {
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))

	var resp *http.Response
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			_ = resp.Body.Close()
		}
		if i == c.maxRetries {
			break
		}
		if err := req.Context().Err(); err != nil {
			return nil, err
		}

		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		time.Sleep(backoff + jitter)
	}

	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("upstream returned %d after %d attempts", resp.StatusCode, c.maxRetries+1)
}
