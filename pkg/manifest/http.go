package manifest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPSession is the subset of pkg/transport.Session the HTTP-backed
// fetchers need. Declared here rather than imported to keep manifest
// free of a direct dependency on the transport package's concrete
// type.
type HTTPSession interface {
	DoQuery(ctx context.Context, logicalName, method string, query url.Values, body []byte) (*http.Response, error)
}

// HTTPFetchers builds the Config.FetchManifest/FetchCode callbacks
// against session's "code_manifest"/"code_pkg" logical routes, shared
// by every caller that wires a Manager to a real transport.Session
// (the service shell and the worker entrypoint both need this).
func HTTPFetchers(session HTTPSession) (
	fetchManifest func(ctx context.Context, sinceTimestamp uint64) ([]byte, time.Duration, error),
	fetchCode func(ctx context.Context, nameHash [32]byte) ([]byte, time.Duration, error),
) {
	fetchManifest = func(ctx context.Context, since uint64) ([]byte, time.Duration, error) {
		q := url.Values{"cur": []string{strconv.FormatUint(since, 10)}}
		resp, err := session.DoQuery(ctx, "code_manifest", http.MethodGet, q, nil)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, 0, fmt.Errorf("code_manifest returned %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("read manifest body: %w", err)
		}
		return raw, ParseMaxAge(resp.Header.Get("Cache-Control")), nil
	}

	fetchCode = func(ctx context.Context, nameHash [32]byte) ([]byte, time.Duration, error) {
		q := url.Values{"id": []string{hex.EncodeToString(nameHash[:])}}
		resp, err := session.DoQuery(ctx, "code_pkg", http.MethodGet, q, nil)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, 0, fmt.Errorf("code_pkg returned %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("read module body: %w", err)
		}
		return raw, ParseMaxAge(resp.Header.Get("Cache-Control")), nil
	}

	return fetchManifest, fetchCode
}
