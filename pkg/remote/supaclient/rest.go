package supaclient

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"chillspace/pkg/apperr"
	"chillspace/pkg/remote"
)

const restPrefix = "/rest/v1/"

var errEmptyRepresentation = errors.New("empty response body")

func (c *Client) Query(ctx context.Context, collection string, filter remote.Filter, order ...remote.Order) ([]remote.Record, error) {
	q := url.Values{"select": {"*"}}
	filterParams(filter, q)
	if len(order) > 0 {
		q.Set("order", orderParam(order))
	}
	var out []remote.Record
	err := c.do(ctx, "query "+collection, request{method: fasthttp.MethodGet, path: restPrefix + collection, query: q}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Insert(ctx context.Context, collection string, row remote.Record) (remote.Record, error) {
	var out []remote.Record
	err := c.do(ctx, "insert "+collection, request{
		method:  fasthttp.MethodPost,
		path:    restPrefix + collection,
		body:    row,
		headers: map[string]string{"Prefer": "return=representation"},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperr.Transient("insert "+collection, errEmptyRepresentation)
	}
	return out[0], nil
}

func (c *Client) Update(ctx context.Context, collection, id string, patch remote.Record) (remote.Record, error) {
	q := url.Values{}
	q.Set(remote.KeyColumn(collection), "eq."+id)
	var out []remote.Record
	err := c.do(ctx, "update "+collection, request{
		method:  fasthttp.MethodPatch,
		path:    restPrefix + collection,
		query:   q,
		body:    patch,
		headers: map[string]string{"Prefer": "return=representation"},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("update "+collection, id)
	}
	return out[0], nil
}

// Delete of a missing row succeeds.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	q := url.Values{}
	q.Set(remote.KeyColumn(collection), "eq."+id)
	return c.do(ctx, "delete "+collection, request{method: fasthttp.MethodDelete, path: restPrefix + collection, query: q}, nil)
}

const storagePrefix = "/storage/v1"

func (c *Client) UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if data == nil {
		data = []byte{}
	}
	var out struct {
		Key string `json:"Key"`
	}
	err := c.do(ctx, "upload "+bucket, request{
		method:  fasthttp.MethodPost,
		path:    storagePrefix + "/object/" + bucket + "/" + strings.TrimPrefix(path, "/"),
		raw:     data,
		ctype:   contentType,
		headers: map[string]string{"x-upsert": "false", "cache-control": "max-age=3600"},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Key == "" {
		out.Key = bucket + "/" + path
	}
	return out.Key, nil
}

func (c *Client) RemoveBlob(ctx context.Context, bucket, path string) error {
	return c.do(ctx, "remove "+bucket, request{
		method: fasthttp.MethodDelete,
		path:   storagePrefix + "/object/" + bucket,
		body:   map[string][]string{"prefixes": {path}},
	}, nil)
}

func (c *Client) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	var out struct {
		SignedURL string `json:"signedURL"`
	}
	err := c.do(ctx, "sign "+bucket, request{
		method: fasthttp.MethodPost,
		path:   storagePrefix + "/object/sign/" + bucket + "/" + strings.TrimPrefix(path, "/"),
		body:   map[string]int{"expiresIn": int(ttl / time.Second)},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.SignedURL == "" {
		return "", apperr.Transient("sign "+bucket, errEmptyRepresentation)
	}
	return c.endpoint(storagePrefix, nil) + out.SignedURL, nil
}
