package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

// Transport delivers one encoded SyncML request to the peer and
// returns the peer's response document.
type Transport interface {
	Exchange(ctx context.Context, url string, body []byte) ([]byte, error)
}

// TransportFunc adapts a function to the Transport interface, which is
// how in-process peers are wired in tests.
type TransportFunc func(ctx context.Context, url string, body []byte) ([]byte, error)

func (f TransportFunc) Exchange(ctx context.Context, url string, body []byte) ([]byte, error) {
	return f(ctx, url, body)
}

// HTTPTransport posts SyncML documents to a remote peer over HTTP.
type HTTPTransport struct {
	Client   *http.Client
	Username string
	Password string
}

func (t *HTTPTransport) Exchange(ctx context.Context, url string, body []byte) ([]byte, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, serr.Wrap(err, "cannot build sync request", "url", url)
	}
	req.Header.Set("Content-Type", state.CodecContentType+"; charset=UTF-8")
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, serr.Wrap(err, "sync request failed", "url", url)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, state.Protocolf("unexpected response: [%d] %s", res.StatusCode, res.Status)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, serr.Wrap(err, "cannot read sync response", "url", url)
	}
	return data, nil
}
