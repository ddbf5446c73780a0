package locate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"ingest/internal/config"
	jsonparser "ingest/internal/parser/json"
	"ingest/internal/transform"
)

// maxResponseBytes caps how much of an API response is read. Feeds that
// exceed it should page instead.
const maxResponseBytes = 256 << 20

// APIResult holds the records extracted from one API response, plus the
// response envelope for meta-field metadata lookups.
type APIResult struct {
	Records []transform.Record
	Meta    map[string]any
}

// FetchRecords performs the configured request and extracts the record list
// from the response. One config means one request; paging belongs upstream
// in the feed, not here.
//
// Errors: every failure, from transport errors to a missing record path, is
// an *ExtractionError. An empty record list is a valid result, not an error.
func FetchRecords(ctx context.Context, client *http.Client, cfg config.ImportConfig) (*APIResult, error) {
	reqURL := cfg.API.URL()
	if len(cfg.API.Query) > 0 {
		q := url.Values{}
		for k, v := range cfg.API.Query {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cfg.API.Method, reqURL, nil)
	if err != nil {
		return nil, &ExtractionError{Source: reqURL, Err: err}
	}
	for k, v := range cfg.API.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ExtractionError{Source: reqURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ExtractionError{Source: reqURL, Err: fmt.Errorf("status %s", resp.Status)}
	}

	body := io.LimitReader(resp.Body, maxResponseBytes)
	res, err := parseResponse(ctx, body, cfg.API)
	if err != nil {
		return nil, &ExtractionError{Source: reqURL, Err: err}
	}
	return res, nil
}

func parseResponse(ctx context.Context, body io.Reader, api config.APISpec) (*APIResult, error) {
	switch api.Format {
	case config.ResponseJSON:
		dec := json.NewDecoder(body)
		dec.UseNumber()
		var root any
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("json decode: %w", err)
		}
		return extract(root, api.RecordPath)

	case config.ResponseXML:
		root, err := decodeXML(body)
		if err != nil {
			return nil, fmt.Errorf("xml decode: %w", err)
		}
		return extract(root, api.RecordPath)

	case config.ResponseCSV:
		recs, err := readCSVBody(ctx, body)
		if err != nil {
			return nil, err
		}
		return &APIResult{Records: recs}, nil
	}
	return nil, fmt.Errorf("unsupported response format %q", api.Format)
}

// extract walks the dotted record path from the decoded root and converts
// the list found there. A map at the leaf counts as a single record; any
// other leaf type, and any missing path segment, is an error.
func extract(root any, path string) (*APIResult, error) {
	res := &APIResult{}
	if m, ok := root.(map[string]any); ok {
		res.Meta = m
	}

	at := root
	if path != "" {
		var err error
		at, err = walkPath(root, path)
		if err != nil {
			return nil, err
		}
	}

	switch leaf := at.(type) {
	case []any:
		for i, it := range leaf {
			obj, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %d at %q is %T, want object", i, path, it)
			}
			res.Records = append(res.Records, jsonparser.ObjectRecord(i+1, obj))
		}
	case map[string]any:
		res.Records = append(res.Records, jsonparser.ObjectRecord(1, leaf))
	case nil:
		// Empty leaf: a present-but-null record list means no data.
	default:
		return nil, fmt.Errorf("record path %q points at %T, want list", path, at)
	}
	return res, nil
}

func walkPath(root any, path string) (any, error) {
	at := root
	for _, seg := range strings.Split(path, ".") {
		m, ok := at.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record path %q: segment %q parent is %T, want object", path, seg, at)
		}
		at, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("record path %q: segment %q not found", path, seg)
		}
	}
	return at, nil
}
