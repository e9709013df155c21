package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Solr implements Searcher and Indexer against a Solr core over its JSON
// HTTP API. All repositories share one core; documents carry a
// repository_id field.
type Solr struct {
	baseURL string
	core    string
	client  *http.Client
	timeout time.Duration
	healthy atomic.Bool
	done    chan struct{}
}

// NewSolr creates the client and starts a background health probe. The
// initial probe failing is not fatal; callers check Healthy.
func NewSolr(baseURL, core string, timeout time.Duration) *Solr {
	s := &Solr{
		baseURL: baseURL,
		core:    core,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		done:    make(chan struct{}),
	}
	if err := s.ping(context.Background()); err != nil {
		log.Printf("search: solr unavailable at %s: %v", baseURL, err)
		s.healthy.Store(false)
	} else {
		s.healthy.Store(true)
	}
	go s.healthLoop()
	return s
}

func (s *Solr) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.ping(context.Background())
			wasHealthy := s.healthy.Load()
			s.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: solr recovered")
			}
		}
	}
}

// Close stops the background health probe.
func (s *Solr) Close() {
	close(s.done)
}

// Healthy reports whether the engine answered the last probe.
func (s *Solr) Healthy() bool {
	return s.healthy.Load()
}

func (s *Solr) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/solr/%s/admin/ping", s.baseURL, s.core), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping status %d", resp.StatusCode)
	}
	return nil
}

type solrSelectResponse struct {
	Response struct {
		NumFound int64 `json:"numFound"`
		Docs     []struct {
			ObjectID string  `json:"object_id"`
			Score    float64 `json:"score"`
		} `json:"docs"`
	} `json:"response"`
}

// Search runs a select query. Each call carries its own bounded timeout; a
// timeout or connection failure surfaces as ErrUnavailable.
func (s *Solr) Search(ctx context.Context, req Request) (Results, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := url.Values{}
	q := req.Query
	if q == "" {
		q = "*:*"
	}
	params.Set("q", q)
	for _, fq := range req.Filters {
		params.Add("fq", fq)
	}
	params.Set("fl", FieldID+",score")
	params.Set("wt", "json")
	params.Set("start", strconv.Itoa(req.Start))
	rows := req.Rows
	if rows <= 0 {
		rows = 50
	}
	params.Set("rows", strconv.Itoa(rows))

	u := fmt.Sprintf("%s/solr/%s/select?%s", s.baseURL, s.core, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Results{}, fmt.Errorf("build select request: %w", err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.healthy.Store(false)
		return Results{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Results{}, fmt.Errorf("read select response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Results{}, fmt.Errorf("select status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed solrSelectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Results{}, fmt.Errorf("decode select response: %w", err)
	}
	out := Results{Total: parsed.Response.NumFound}
	for _, doc := range parsed.Response.Docs {
		if doc.ObjectID == "" {
			continue
		}
		out.Hits = append(out.Hits, Hit{ID: doc.ObjectID, Score: doc.Score})
	}
	return out, nil
}

// Index pushes documents and commits, so readers of the permission filter
// field see them on the next query.
func (s *Solr) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	payload, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal index payload: %w", err)
	}
	return s.update(ctx, "/update/json/docs?commit=true", payload)
}

// Delete removes one document by id.
func (s *Solr) Delete(ctx context.Context, id string) error {
	payload, err := json.Marshal(map[string]any{"delete": map[string]string{"id": id}})
	if err != nil {
		return fmt.Errorf("marshal delete payload: %w", err)
	}
	return s.update(ctx, "/update?commit=true", payload)
}

func (s *Solr) update(ctx context.Context, path string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	u := fmt.Sprintf("%s/solr/%s%s", s.baseURL, s.core, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("update status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
