package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/freva-org/freva-data-portal/internal/cache"
	"github.com/freva-org/freva-data-portal/internal/token"
)

// chunkIDRe matches dot-separated chunk coordinates such as "0", "2.0"
// or "1.0.3".
var chunkIDRe = regexp.MustCompile(`^\d+(\.\d+)*$`)

// handleStatus reports the job state as a bare code. The endpoint
// always answers 200: an entry that never appears within the timeout
// reads as gone, which is itself an answer.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request, tok string) {
	ctx := r.Context()
	timeout, err := g.timeoutParam(r, 0)
	if err != nil {
		g.detail(ctx, w, "status", http.StatusBadRequest, err.Error())
		return
	}
	env, err := g.pollEntry(ctx, tok, timeout)
	if err != nil && !isCtxErr(err) {
		g.detail(ctx, w, "status", http.StatusInternalServerError, "cache unavailable")
		return
	}
	status := cache.StatusGone
	if env != nil {
		status = env.Status
	}
	g.record(ctx, "status", "GET", http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]int{"status": int(status)})
}

// handleZmetadata serves the consolidated metadata document, waiting
// for the job to settle first.
func (g *Gateway) handleZmetadata(w http.ResponseWriter, r *http.Request, tok string) {
	ctx := r.Context()
	doc, ok := g.metadata(w, r, tok, "zmetadata")
	if !ok {
		return
	}
	g.record(ctx, "zmetadata", "GET", http.StatusOK, nil)
	writeJSON(w, http.StatusOK, doc)
}

// handleTopLevel serves the root .zgroup or .zattrs document out of the
// consolidated metadata.
func (g *Gateway) handleTopLevel(key string) storeHandler {
	return func(w http.ResponseWriter, r *http.Request, tok string) {
		ctx := r.Context()
		doc, ok := g.metadata(w, r, tok, key)
		if !ok {
			return
		}
		raw, found := doc.Metadata[key]
		if !found {
			g.detail(ctx, w, key, http.StatusNotFound, "key not found in store")
			return
		}
		g.record(ctx, key, "GET", http.StatusOK, nil)
		writeRaw(w, raw)
	}
}

// handleStorePath serves everything below the store root: per-variable
// .zarray/.zattrs/.zgroup documents straight from the consolidated
// metadata, and chunk payloads by key, requesting them from the workers
// on cache miss.
func (g *Gateway) handleStorePath(w http.ResponseWriter, r *http.Request, tok string) {
	ctx := r.Context()
	rest := strings.Trim(g.mux.Vars(r)["rest"], "/")
	if rest == "" {
		g.detail(ctx, w, "store", http.StatusNotFound, "key not found in store")
		return
	}

	doc, ok := g.metadata(w, r, tok, "store")
	if !ok {
		return
	}

	// Metadata keys (.zarray, .zattrs, group .zgroup markers) are
	// answered from the consolidated document alone.
	if base := lastSegment(rest); strings.HasPrefix(base, ".") {
		if raw, found := doc.Metadata[rest]; found {
			g.record(ctx, "store", "GET", http.StatusOK, nil)
			writeRaw(w, raw)
			return
		}
		if base == ".zgroup" {
			// A .zgroup under an array would be a sub-group, which the
			// store layout does not have.
			prefix := strings.TrimSuffix(rest, "/.zgroup")
			if _, isVar := doc.Metadata[prefix+"/.zarray"]; isVar {
				g.detail(ctx, w, "store", http.StatusBadRequest, "sub-groups are not supported")
				return
			}
		}
		g.detail(ctx, w, "store", http.StatusNotFound, "key not found in store")
		return
	}

	variable, chunkID := splitChunkPath(rest)
	if variable == "" || !chunkIDRe.MatchString(chunkID) {
		g.detail(ctx, w, "store", http.StatusNotFound, "key not found in store")
		return
	}
	if _, found := doc.Metadata[variable+"/.zarray"]; !found {
		g.detail(ctx, w, "store", http.StatusNotFound, "key not found in store")
		return
	}
	g.serveChunk(ctx, w, r, tok, variable, chunkID)
}

// serveChunk returns the chunk from the cache, dispatching a job and
// polling when it is not there yet.
func (g *Gateway) serveChunk(ctx context.Context, w http.ResponseWriter, r *http.Request, tok, variable, chunkID string) {
	timeout, err := g.timeoutParam(r, g.cfg.ChunkTimeout)
	if err != nil {
		g.detail(ctx, w, "chunk", http.StatusBadRequest, err.Error())
		return
	}

	data, found, err := g.cache.GetChunk(ctx, tok, variable, chunkID)
	if err != nil {
		g.detail(ctx, w, "chunk", http.StatusInternalServerError, "cache unavailable")
		return
	}
	if !found {
		if err := g.broker.PublishChunk(ctx, tok, variable, chunkID); err != nil {
			g.detail(ctx, w, "chunk", http.StatusServiceUnavailable, "could not dispatch chunk job")
			return
		}
		// Dispatching the job buys the worker an extra second.
		deadline := time.Now().Add(timeout + time.Second)
		for !found {
			if time.Now().After(deadline) {
				g.detail(ctx, w, "chunk", http.StatusNotFound, "chunk did not materialise in time")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.cfg.PollInterval):
			}
			if data, found, err = g.cache.GetChunk(ctx, tok, variable, chunkID); err != nil {
				g.detail(ctx, w, "chunk", http.StatusInternalServerError, "cache unavailable")
				return
			}
		}
	}

	g.metrics.Chunk(ctx)
	g.record(ctx, "chunk", "GET", http.StatusOK, map[string]string{"variable": variable})
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Errorf(ctx, err, "writing chunk payload")
	}
}

// consolidated mirrors the stored metadata document.
type consolidated struct {
	ZarrConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata               map[string]json.RawMessage `json:"metadata"`
}

// metadata waits for the store's job to settle and returns its parsed
// consolidated document. On any non-ok outcome it writes the response
// itself and returns ok=false.
func (g *Gateway) metadata(w http.ResponseWriter, r *http.Request, tok, endpoint string) (*consolidated, bool) {
	ctx := r.Context()
	timeout, err := g.timeoutParam(r, g.cfg.DefaultTimeout)
	if err != nil {
		g.detail(ctx, w, endpoint, http.StatusBadRequest, err.Error())
		return nil, false
	}
	// First access may land before any conversion ran, or after the
	// entry expired. The token is self-describing, so dispatch a job
	// and extend the wait by the dispatch second.
	if _, found, err := g.cache.Entry(ctx, tok); err != nil {
		g.detail(ctx, w, endpoint, http.StatusInternalServerError, "cache unavailable")
		return nil, false
	} else if !found {
		if desc, derr := token.Decode(tok); derr == nil {
			if perr := g.broker.PublishURI(ctx, desc.Paths[0], tok); perr != nil {
				g.detail(ctx, w, endpoint, http.StatusInternalServerError, "could not dispatch conversion job")
				return nil, false
			}
			timeout += time.Second
		}
	}
	env, err := g.pollEntry(ctx, tok, timeout)
	if err != nil && !isCtxErr(err) {
		g.detail(ctx, w, endpoint, http.StatusInternalServerError, "cache unavailable")
		return nil, false
	}
	switch {
	case env == nil:
		g.detail(ctx, w, endpoint, http.StatusNotFound, "store not found, request conversion first")
		return nil, false
	case env.Status == cache.StatusFailed:
		g.detail(ctx, w, endpoint, http.StatusServiceUnavailable, "conversion failed: "+env.Reason)
		return nil, false
	case env.Status != cache.StatusOK:
		g.detail(ctx, w, endpoint, http.StatusServiceUnavailable, "store is not ready yet")
		return nil, false
	}
	var doc consolidated
	if err := json.Unmarshal(env.Payload, &doc); err != nil {
		g.detail(ctx, w, endpoint, http.StatusInternalServerError, "corrupt store metadata")
		return nil, false
	}
	return &doc, true
}

// splitChunkPath splits "group0/tas/2.0" into the variable path and the
// chunk id.
func splitChunkPath(rest string) (variable, chunkID string) {
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return "", ""
	}
	return rest[:i], rest[i+1:]
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
