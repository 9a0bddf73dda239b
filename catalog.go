package archivist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Catalog is a client for the remote catalog's JSON endpoints:
//
//	GET {base}/archive/{id}.json        archive metadata
//	GET {base}/tags/{tag}.json?page=N   ids listed on one tag page
//
// Payloads are fetched from the download URL carried in the metadata.
type Catalog struct {
	base      *url.URL
	client    *http.Client
	userAgent string
	delay     time.Duration
	log       *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// NewCatalog returns a client for the catalog at cfg.BaseURL.
func NewCatalog(cfg CatalogConfig, log *zap.Logger) (*Catalog, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	// No overall client timeout: payload bodies can take arbitrarily long.
	client := &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
	}}
	return &Catalog{
		base:      base,
		client:    client,
		userAgent: cfg.UserAgent,
		delay:     time.Duration(cfg.DelayMs) * time.Millisecond,
		log:       log,
	}, nil
}

type sluggedMeta struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// archiveMeta is the JSON shape of {base}/archive/{id}.json.
type archiveMeta struct {
	ID          uint32        `json:"id"`
	Title       string        `json:"title"`
	Pages       uint16        `json:"pages"`
	DownloadURL string        `json:"download_url"`
	Artists     []sluggedMeta `json:"artists"`
	Parodies    []sluggedMeta `json:"parodies"`
	Tags        []sluggedMeta `json:"tags"`
}

func (m *archiveMeta) record(origin string) (*Record, error) {
	if len(m.Artists) == 0 {
		return nil, fmt.Errorf("archive %d has no artist", m.ID)
	}
	rec := &Record{
		ID:         m.ID,
		Name:       m.Title,
		Creator:    m.Artists[0].Name,
		Parody:     "original",
		Pages:      m.Pages,
		OriginURL:  origin,
		PayloadURL: m.DownloadURL,
	}
	if len(m.Parodies) > 0 {
		rec.Parody = m.Parodies[0].Name
	}
	for _, t := range m.Tags {
		rec.Tags = append(rec.Tags, Tag{Slug: t.Slug, Name: t.Name})
	}
	return rec, rec.Validate()
}

// wait spaces requests by the configured delay.
func (c *Catalog) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	c.mu.Lock()
	next := c.last.Add(c.delay)
	now := time.Now()
	if next.Before(now) {
		next = now
	}
	c.last = next
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(next)):
		return nil
	}
}

func (c *Catalog) get(ctx context.Context, u string) (*http.Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapKind(ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: http %s: %w", u, resp.Status, ErrNetwork)
	}
	return resp, nil
}

func (c *Catalog) getJSON(ctx context.Context, u string, v any) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return wrapKind(ErrNetwork, fmt.Errorf("decode %s: %w", u, err))
	}
	return nil
}

// ArchiveURL is the catalog page of id.
func (c *Catalog) ArchiveURL(id uint32) string {
	return c.base.JoinPath("archive", strconv.FormatUint(uint64(id), 10)).String()
}

// FetchItem fetches the metadata of id and returns it as an ingestion item
// whose payload streams from the catalog's download URL.
func (c *Catalog) FetchItem(ctx context.Context, id uint32) (*Item, error) {
	origin := c.ArchiveURL(id)
	c.log.Debug("Fetching archive", zap.String("url", origin))

	var meta archiveMeta
	if err := c.getJSON(ctx, origin+".json", &meta); err != nil {
		return nil, err
	}
	if meta.ID == 0 {
		meta.ID = id
	}
	rec, err := meta.record(origin)
	if err != nil {
		return nil, err
	}
	if rec.PayloadURL == "" {
		return nil, fmt.Errorf("archive %d has no download url", id)
	}
	return &Item{Record: rec, Payload: &httpPayload{c: c, url: rec.PayloadURL}}, nil
}

// TagPage returns the ids listed on one page of a tag. An empty result
// means the listing is exhausted.
func (c *Catalog) TagPage(ctx context.Context, tag string, page int) ([]uint32, error) {
	u := c.base.JoinPath("tags", tag+".json")
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	var listing struct {
		Archives []uint32 `json:"archives"`
	}
	if err := c.getJSON(ctx, u.String(), &listing); err != nil {
		return nil, err
	}
	return listing.Archives, nil
}

// TagSource returns a Source walking every page of tag. Ids for which skip
// returns true are not fetched at all. Metadata failures for single ids are
// logged and skipped; a failing page ends the walk with an error.
func (c *Catalog) TagSource(tag string, skip func(id uint32) bool) Source {
	return &tagSource{c: c, tag: tag, skip: skip, page: 1}
}

type tagSource struct {
	c       *Catalog
	tag     string
	skip    func(uint32) bool
	page    int
	pending []uint32
	done    bool
}

func (s *tagSource) Next(ctx context.Context) (*Item, error) {
	for {
		for len(s.pending) > 0 {
			id := s.pending[0]
			s.pending = s.pending[1:]
			if s.skip != nil && s.skip(id) {
				s.c.log.Debug("Not fetching archive as it already exists", zap.Uint32("id", id))
				continue
			}
			item, err := s.c.FetchItem(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.c.log.Error("Failed to fetch archive", zap.Uint32("id", id), zap.Error(err))
				continue
			}
			return item, nil
		}
		if s.done {
			return nil, io.EOF
		}

		s.c.log.Debug("Fetching tag page", zap.String("tag", s.tag), zap.Int("page", s.page))
		ids, err := s.c.TagPage(ctx, s.tag, s.page)
		if err != nil {
			return nil, fmt.Errorf("tag %s page %d: %w", s.tag, s.page, err)
		}
		if len(ids) == 0 {
			s.c.log.Info("Reached last tag page", zap.String("tag", s.tag), zap.Int("page", s.page))
			s.done = true
			continue
		}
		s.pending = ids
		s.page++
	}
}

// httpPayload streams an archive from the catalog.
type httpPayload struct {
	c   *Catalog
	url string
}

func (p *httpPayload) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	resp, err := p.c.get(ctx, p.url)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}
