package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/freva-org/freva-data-portal/internal/aggregate"
	"github.com/freva-org/freva-data-portal/internal/token"
)

// convertSchemaSrc validates convert request bodies before they are
// decoded. path accepts a single string or a list; the aggregation
// options are top-level fields and aggregate itself selects the mode.
const convertSchemaSrc = `{
	"type": "object",
	"required": ["path"],
	"additionalProperties": false,
	"properties": {
		"path": {
			"oneOf": [
				{"type": "string", "minLength": 1},
				{
					"type": "array",
					"minItems": 1,
					"items": {"type": "string", "minLength": 1}
				}
			]
		},
		"aggregate": {"enum": ["auto", "merge", "concat"]},
		"dim": {"type": "string"},
		"group_by": {"enum": ["grid", "vars"]},
		"join": {"enum": ["outer", "inner", "exact", "left", "right"]},
		"compat": {"enum": ["override", "equals", "no_conflicts"]},
		"data_vars": {"enum": ["minimal", "different", "all"]},
		"coords": {"enum": ["minimal", "different", "all"]},
		"access_pattern": {"enum": ["map", "time_series"]},
		"target": {"type": "string"},
		"ttl_seconds": {"type": "integer", "minimum": 1},
		"public": {"type": "boolean"}
	}
}`

var convertSchema = mustCompileSchema("convert.json", convertSchemaSrc)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

type (
	// pathList accepts both the single-string and the list form of the
	// path field.
	pathList []string

	convertRequest struct {
		Path          pathList `json:"path"`
		Aggregate     string   `json:"aggregate"`
		Dim           string   `json:"dim"`
		GroupBy       string   `json:"group_by"`
		Join          string   `json:"join"`
		Compat        string   `json:"compat"`
		DataVars      string   `json:"data_vars"`
		Coords        string   `json:"coords"`
		AccessPattern string   `json:"access_pattern"`
		Target        string   `json:"target"`
		TTLSeconds    int      `json:"ttl_seconds"`
		Public        bool     `json:"public"`
	}

	convertResponse struct {
		URLs []string `json:"urls"`
		// ShareURLs carries one pre-signed URL per store when the
		// request asked for public stores.
		ShareURLs []string `json:"share_urls,omitempty"`
	}

	shareRequest struct {
		Path       string `json:"path"`
		TTLSeconds int    `json:"ttl_seconds"`
	}

	shareResponse struct {
		URL string `json:"url"`
		Sig string `json:"sig"`
	}
)

func (p *pathList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = pathList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*p = list
	return nil
}

// aggregateOptions maps the flat request fields onto the combine
// options. The aggregate field itself decides whether the paths become
// one store.
func (r convertRequest) aggregateOptions() aggregate.Options {
	return aggregate.Options{
		Mode:     aggregate.Mode(r.Aggregate),
		Dim:      r.Dim,
		GroupBy:  aggregate.GroupBy(r.GroupBy),
		Join:     aggregate.Join(r.Join),
		Compat:   aggregate.Compat(r.Compat),
		DataVars: aggregate.Selection(r.DataVars),
		Coords:   aggregate.Selection(r.Coords),
	}
}

// handleConvert accepts a conversion request, fans out one job per
// resulting store and answers with the store URLs. The stores fill
// asynchronously; clients poll /zarr/{store}/status or .zmetadata.
func (g *Gateway) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if g.limiter != nil && !g.limiter.Allow() {
		g.fail(ctx, w, "convert", "POST", http.StatusTooManyRequests, "too many conversion requests")
		return
	}

	var req convertRequest
	if msg, ok := g.decodeValidated(r, convertSchema, &req); !ok {
		g.fail(ctx, w, "convert", "POST", http.StatusUnprocessableEntity, msg)
		return
	}
	ttl := req.TTLSeconds
	switch {
	case ttl == 0:
		ttl = g.cfg.DefaultTTL
	case ttl < g.cfg.MinTTL || ttl > g.cfg.MaxTTL:
		g.fail(ctx, w, "convert", "POST", http.StatusUnprocessableEntity,
			fmt.Sprintf("ttl_seconds must be between %d and %d", g.cfg.MinTTL, g.cfg.MaxTTL))
		return
	}

	// The aggregate field selects one combined store; without it every
	// path becomes its own store.
	var descs []token.Descriptor
	if req.Aggregate != "" {
		descs = []token.Descriptor{{
			Paths:         req.Path,
			Aggregate:     req.aggregateOptions(),
			AccessPattern: req.AccessPattern,
			Target:        req.Target,
			TTLSeconds:    ttl,
			Public:        req.Public,
		}}
	} else {
		for _, p := range req.Path {
			descs = append(descs, token.Descriptor{
				Paths:         []string{p},
				AccessPattern: req.AccessPattern,
				Target:        req.Target,
				TTLSeconds:    ttl,
				Public:        req.Public,
			})
		}
	}

	out := convertResponse{URLs: make([]string, 0, len(descs))}
	for _, desc := range descs {
		tok, err := token.Encode(desc)
		if err != nil {
			g.fail(ctx, w, "convert", "POST", http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err := g.broker.PublishURI(ctx, desc.Paths[0], tok); err != nil {
			g.fail(ctx, w, "convert", "POST", http.StatusInternalServerError, "could not dispatch conversion job")
			return
		}
		if desc.Public {
			// Public stores are reachable without a bearer for the life
			// of the cache entry, and get a pre-signed URL on top.
			expires := time.Now().Add(time.Duration(ttl) * time.Second).Unix()
			if err := g.public.Add(ctx, tok, expires); err != nil {
				g.fail(ctx, w, "convert", "POST", http.StatusInternalServerError, "could not register public link")
				return
			}
			shared, err := token.WithExpiry(tok, expires)
			if err != nil {
				g.fail(ctx, w, "convert", "POST", http.StatusUnprocessableEntity, err.Error())
				return
			}
			sig := g.signer.SignAt(shared, expires)
			out.ShareURLs = append(out.ShareURLs, "/share/"+sig+"/zarr/"+shared+".zarr")
		}
		out.URLs = append(out.URLs, "/zarr/"+tok+".zarr")
	}

	g.record(ctx, "convert", "POST", http.StatusOK, map[string]string{
		"num_paths": fmt.Sprintf("%d", len(req.Path)),
	})
	writeJSON(w, http.StatusOK, out)
}

// handleShareZarr turns a store path into a pre-signed URL that works
// without a bearer until it expires.
func (g *Gateway) handleShareZarr(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req shareRequest
	if msg, ok := g.decodeValidated(r, shareSchema, &req); !ok {
		g.fail(ctx, w, "share-zarr", "POST", http.StatusUnprocessableEntity, msg)
		return
	}
	tok := strings.TrimSuffix(strings.TrimPrefix(req.Path, "/zarr/"), ".zarr")
	if _, err := token.Decode(tok); err != nil {
		g.fail(ctx, w, "share-zarr", "POST", http.StatusUnprocessableEntity, "invalid path")
		return
	}

	ttl := g.cfg.ShareTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if max := time.Duration(g.cfg.MaxTTL) * time.Second; ttl > max {
			ttl = max
		}
	}
	expires := time.Now().Add(ttl).Unix()
	shared, err := token.WithExpiry(tok, expires)
	if err != nil {
		g.fail(ctx, w, "share-zarr", "POST", http.StatusUnprocessableEntity, "invalid path")
		return
	}
	sig := g.signer.SignAt(shared, expires)

	g.record(ctx, "share-zarr", "POST", http.StatusOK, nil)
	writeJSON(w, http.StatusOK, shareResponse{
		URL: "/share/" + sig + "/zarr/" + shared + ".zarr",
		Sig: sig,
	})
}

const shareSchemaSrc = `{
	"type": "object",
	"required": ["path"],
	"additionalProperties": false,
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"ttl_seconds": {"type": "integer", "minimum": 1}
	}
}`

var shareSchema = mustCompileSchema("share.json", shareSchemaSrc)

// decodeValidated reads the body, checks it against the schema and
// decodes it into dst. Returns a client-facing message on failure.
func (g *Gateway) decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "could not read request body", false
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "request body is not valid JSON", false
	}
	if err := schema.Validate(doc); err != nil {
		return err.Error(), false
	}
	if err := unmarshalStrict(body, dst); err != nil {
		return "request body does not decode", false
	}
	return "", true
}

// fail records and writes one request failure.
func (g *Gateway) fail(ctx context.Context, w http.ResponseWriter, endpoint, method string, status int, msg string) {
	g.record(ctx, endpoint, method, status, nil)
	writeJSON(w, status, map[string]string{"detail": msg})
}

// unmarshalStrict decodes JSON refusing unknown fields.
func unmarshalStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
