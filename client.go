package couchsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autom8ter/couchsync/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Client executes requests against one database of a CouchDB compatible server
type Client struct {
	cfg    Config
	http   *http.Client
	logger Logger
}

// NewClient creates a client from the (defaulted) config. A nil http client uses http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, logger Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
	}
}

// DB returns the database name
func (c *Client) DB() string {
	return c.cfg.DB
}

// Do issues a request relative to the database root and decodes the json object response.
// Paths must already be escaped; use DocPath and ViewPath to build them.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (*Document, error) {
	u := fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.cfg.URL, "/"), url.PathEscape(c.cfg.DB), path)
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		bits, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, errors.Validation, "%s %s: failed to encode body", method, path)
		}
		reader = bytes.NewReader(bits)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "%s %s: failed to build request", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.Transport, "%s %s", method, path)
	}
	defer resp.Body.Close()
	bits, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.Transport, "%s %s: failed to read response", method, path)
	}
	c.logger.Debug(ctx, "couchdb request", map[string]any{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})
	doc, parseErr := NewDocumentFromBytes(bits)
	if resp.StatusCode >= http.StatusBadRequest {
		reason := http.StatusText(resp.StatusCode)
		if parseErr == nil && doc.Exists("reason") {
			reason = fmt.Sprintf("%s: %s", doc.GetString("error"), doc.GetString("reason"))
		}
		return nil, errors.New(errors.Code(resp.StatusCode), "%s %s: %s", method, path, reason)
	}
	if parseErr != nil {
		return nil, errors.Wrap(parseErr, errors.Malformed, "%s %s", method, path)
	}
	return doc, nil
}

// DocPath returns the escaped path of a document
func DocPath(id string) string {
	if strings.HasPrefix(id, "_design/") {
		return "_design/" + url.PathEscape(strings.TrimPrefix(id, "_design/"))
	}
	return url.PathEscape(id)
}

// ViewPath returns the escaped path of a view
func ViewPath(designDoc, view string) string {
	return fmt.Sprintf("_design/%s/_view/%s", url.PathEscape(designDoc), url.PathEscape(view))
}

var jsonEncodedParams = []string{"key", "keys", "startkey", "endkey", "start_key", "end_key"}

// EncodeParams converts view or feed options to query parameters. Keys and non string values are json encoded.
func EncodeParams(params map[string]any) url.Values {
	values := url.Values{}
	for _, name := range lo.Keys(params) {
		value := params[name]
		switch v := value.(type) {
		case string:
			if lo.Contains(jsonEncodedParams, name) {
				bits, _ := json.Marshal(v)
				values.Set(name, string(bits))
			} else {
				values.Set(name, v)
			}
		case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			values.Set(name, cast.ToString(v))
		default:
			bits, _ := json.Marshal(v)
			values.Set(name, string(bits))
		}
	}
	return values
}

// Get fetches a single document
func (c *Client) Get(ctx context.Context, id string) (*Document, error) {
	return c.Do(ctx, http.MethodGet, DocPath(id), nil, nil)
}

// Info fetches the database information document
func (c *Client) Info(ctx context.Context) (*Document, error) {
	return c.Do(ctx, http.MethodGet, "", nil, nil)
}

// AllDocs fetches the documents with the given ids in one request. Missing or deleted ids are skipped.
func (c *Client) AllDocs(ctx context.Context, ids []string) ([]*Document, error) {
	resp, err := c.Do(ctx, http.MethodPost, "_all_docs", url.Values{"include_docs": []string{"true"}}, map[string]any{
		"keys": ids,
	})
	if err != nil {
		return nil, err
	}
	return rowDocs(resp), nil
}

// ViewRow is a row of a view response
type ViewRow struct {
	ID    string
	Key   any
	Value any
	Doc   *Document
}

// Query queries a view. When params holds `keys` the request is a POST carrying the keys in its body.
func (c *Client) Query(ctx context.Context, designDoc, view string, params map[string]any) ([]ViewRow, error) {
	var (
		method = http.MethodGet
		body   any
		query  = map[string]any{}
	)
	for k, v := range params {
		query[k] = v
	}
	if keys, ok := query["keys"]; ok {
		method = http.MethodPost
		body = map[string]any{"keys": keys}
		delete(query, "keys")
	}
	resp, err := c.Do(ctx, method, ViewPath(designDoc, view), EncodeParams(query), body)
	if err != nil {
		return nil, err
	}
	var rows []ViewRow
	for _, r := range resp.Result("rows").Array() {
		row := ViewRow{
			ID:    r.Get("id").String(),
			Key:   r.Get("key").Value(),
			Value: r.Get("value").Value(),
		}
		if doc, ok := documentFromResult(r.Get("doc")); ok {
			row.Doc = doc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Put writes a document to the given id
func (c *Client) Put(ctx context.Context, id string, doc *Document) (*Document, error) {
	return c.Do(ctx, http.MethodPut, DocPath(id), nil, doc)
}

// Post creates a document with a server assigned id
func (c *Client) Post(ctx context.Context, doc *Document) (*Document, error) {
	return c.Do(ctx, http.MethodPost, "", nil, doc)
}

// Delete deletes the given revision of a document
func (c *Client) Delete(ctx context.Context, id, rev string) (*Document, error) {
	return c.Do(ctx, http.MethodDelete, DocPath(id), url.Values{"rev": []string{rev}}, nil)
}

func rowDocs(resp *Document) []*Document {
	var docs []*Document
	for _, r := range resp.Result("rows").Array() {
		if doc, ok := documentFromResult(r.Get("doc")); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}
