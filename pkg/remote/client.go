// Package remote provides the HTTP adapter to the REST storage backend, with
// retry, per-request timeouts and online tracking.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/protocol"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

// Client talks to the REST backend.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	timeout     time.Duration
	partialPut  atomic.Bool

	authToken string

	mu     sync.RWMutex
	online bool
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per request; for streams, per chunk
	RetryConfig retry.Config
	AuthToken   string
	PartialPut  bool // try ranged PUT for dirty extents

	// Transport overrides the default transport (tests).
	Transport http.RoundTripper
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		}
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		// No client-wide timeout: it would also bound long stream bodies.
		// Requests carry their own deadlines instead.
		httpClient:  &http.Client{Transport: transport},
		retryConfig: cfg.RetryConfig,
		timeout:     cfg.Timeout,
		online:      true,
		authToken:   cfg.AuthToken,
	}
	c.partialPut.Store(cfg.PartialPut)
	return c
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the server is reachable.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("backend is back online", logging.String("url", c.baseURL))
		} else {
			logging.Warn("backend is offline", logging.String("url", c.baseURL))
		}
		metrics.SetBackendOnline(online)
	}
	c.online = online
}

// SupportsPartialPut reports whether ranged PUT is still enabled for this
// session.
func (c *Client) SupportsPartialPut() bool {
	return c.partialPut.Load()
}

func (c *Client) retryFor(op string) retry.Config {
	cfg := c.retryConfig
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RecordRetry(op)
		logging.Debug("retrying backend request",
			logging.String("op", op),
			logging.Int("attempt", attempt),
			logging.Err(err),
		)
	}
	return cfg
}

func (c *Client) url(prefix, path string) string {
	return c.baseURL + prefix + protocol.EncodePath(path)
}

// do sends req and records metrics. Transport errors mark the backend
// offline; any response marks it online unless it is a 5xx.
func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	c.applyAuth(req)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(op, 0, time.Since(start))
		if req.Context().Err() == nil || errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			c.setOnline(false)
		}
		return nil, err
	}
	metrics.RecordRemoteRequest(op, resp.StatusCode, time.Since(start))
	c.setOnline(resp.StatusCode < 500 || resp.StatusCode == http.StatusNotImplemented)
	return resp, nil
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+protocol.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(OpPing, req)
	if err != nil {
		return transportError(OpPing, "/", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fserr.New(fserr.KindUnreachable, OpPing, "/", fmt.Errorf("server returned %d", resp.StatusCode))
	}
	return nil
}

// List fetches the children of directory dir.
func (c *Client) List(ctx context.Context, dir string) ([]models.Entry, error) {
	dir = models.CleanPath(dir)
	return retry.DoWithResult(ctx, c.retryFor(OpList), func(int) ([]models.Entry, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(protocol.ListPrefix, dir), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := c.do(OpList, req)
		if err != nil {
			return nil, retry.Retryable(transportError(OpList, dir, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(OpList, dir, resp.StatusCode, readErrorMessage(resp))
		}

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return nil, retry.Retryable(transportError(OpList, dir, err))
			}
			defer gr.Close()
			reader = gr
		}

		var wire []protocol.ListEntry
		if err := json.NewDecoder(reader).Decode(&wire); err != nil {
			return nil, retry.Retryable(transportError(OpList, dir, fmt.Errorf("decode listing: %w", err)))
		}

		now := time.Now()
		entries := make([]models.Entry, 0, len(wire))
		for _, le := range wire {
			if !models.ValidName(le.Name) {
				logging.Warn("skipping invalid entry name",
					logging.String("dir", dir),
					logging.String("name", le.Name),
				)
				continue
			}
			entries = append(entries, le.ToEntry(dir, now))
		}
		return entries, nil
	})
}

// ReadRange fetches length bytes of path starting at offset. A non-positive
// length reads to the end. Reading at or past EOF returns an empty slice.
func (c *Client) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	path = models.CleanPath(path)
	return retry.DoWithResult(ctx, c.retryFor(OpRead), func(int) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.get(ctx, path, offset, length)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return []byte{}, nil
		}
		defer resp.Body.Close()

		body, err := rangeBody(resp, offset)
		if err != nil {
			return nil, retry.Retryable(transportError(OpRead, path, err))
		}
		var r io.Reader = body
		if length > 0 {
			r = io.LimitReader(body, length)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, retry.Retryable(transportError(OpRead, path, err))
		}
		metrics.RecordDownload(int64(len(data)))
		return data, nil
	})
}

// get issues a ranged GET. It returns a nil response for 416 (nothing to
// read at offset).
func (c *Client) get(ctx context.Context, path string, offset, length int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(protocol.FilesPrefix, path), nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 || length > 0 {
		req.Header.Set("Range", protocol.FormatRange(offset, length))
	}

	resp, err := c.do(OpRead, req)
	if err != nil {
		return nil, retry.Retryable(transportError(OpRead, path, err))
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, nil
	}
	defer resp.Body.Close()
	return nil, classifyStatus(OpRead, path, resp.StatusCode, readErrorMessage(resp))
}

// rangeBody positions the body at offset. A server that ignored the Range
// header answers 200 with the whole file; the leading bytes are skipped.
func rangeBody(resp *http.Response, offset int64) (io.Reader, error) {
	if resp.StatusCode == http.StatusOK && offset > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	return resp.Body, nil
}

// Put uploads the full content of path: size bytes read from content.
// content may be nil when size is 0.
//
// The upload is retried only when it provably never reached the server: the
// request headers were never written, or the server refused it with 503 or
// 429. A failure after the request was written is reported as Conflict.
func (c *Client) Put(ctx context.Context, path string, content io.ReaderAt, size int64) error {
	path = models.CleanPath(path)
	return c.put(ctx, OpPut, path, content, 0, size, "")
}

// PutRange uploads content[offset:offset+length] of a file whose new total
// size is total. A zero length only sets the size. A 501 reply disables
// ranged PUT for the session and returns an Unsupported error.
func (c *Client) PutRange(ctx context.Context, path string, content io.ReaderAt, offset, length, total int64) error {
	path = models.CleanPath(path)
	if !c.partialPut.Load() {
		return fserr.New(fserr.KindUnsupported, OpPutRange, path, errors.New("ranged put disabled"))
	}
	err := c.put(ctx, OpPutRange, path, content, offset, length, protocol.FormatContentRange(offset, length, total))
	if errors.Is(err, fserr.Unsupported) {
		if c.partialPut.CompareAndSwap(true, false) {
			logging.Info("backend does not support ranged PUT, falling back to full uploads",
				logging.String("url", c.baseURL))
		}
	}
	return err
}

func (c *Client) put(ctx context.Context, op, path string, content io.ReaderAt, offset, length int64, contentRange string) error {
	return retry.Do(ctx, c.retryFor(op), func(int) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		// The deadline moves with every body read, so a slow upload that
		// keeps making progress is not cut off.
		idle := newIdleTimer(c.timeout, cancel)
		defer idle.stop()

		var wrote atomic.Bool
		trace := &httptrace.ClientTrace{
			WroteHeaders: func() { wrote.Store(true) },
		}
		ctx = httptrace.WithClientTrace(ctx, trace)

		var body io.Reader = http.NoBody
		if length > 0 {
			body = &progressReader{r: io.NewSectionReader(content, offset, length), idle: idle}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(protocol.FilesPrefix, path), body)
		if err != nil {
			return err
		}
		req.ContentLength = length
		req.Header.Set("Content-Type", "application/octet-stream")
		if contentRange != "" {
			req.Header.Set("Content-Range", contentRange)
		}

		resp, err := c.do(op, req)
		if err != nil {
			if idle.fired() {
				err = fmt.Errorf("no progress for %s: %w", c.timeout, context.DeadlineExceeded)
			}
			if !wrote.Load() {
				return retry.Retryable(transportError(op, path, err))
			}
			return fserr.New(fserr.KindConflict, op, path, fmt.Errorf("upload outcome unknown: %w", err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			io.Copy(io.Discard, resp.Body)
			metrics.RecordUpload(length)
			return nil
		}
		return classifyStatus(op, path, resp.StatusCode, readErrorMessage(resp))
	})
}

// Mkdir creates directory path. An "exists" reply to a retried request is
// treated as success, since the earlier attempt may have landed.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	path = models.CleanPath(path)
	return retry.Do(ctx, c.retryFor(OpMkdir), func(attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(protocol.MkdirPrefix, path), nil)
		if err != nil {
			return err
		}
		resp, err := c.do(OpMkdir, req)
		if err != nil {
			return retry.Retryable(transportError(OpMkdir, path, err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			return nil
		case http.StatusConflict:
			if attempt > 1 {
				return nil
			}
		}
		return classifyStatus(OpMkdir, path, resp.StatusCode, readErrorMessage(resp))
	})
}

// Delete removes path, recursively for directories. A 404 reply to a
// retried request is treated as success.
func (c *Client) Delete(ctx context.Context, path string) error {
	path = models.CleanPath(path)
	return retry.Do(ctx, c.retryFor(OpDelete), func(attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(protocol.FilesPrefix, path), nil)
		if err != nil {
			return err
		}
		resp, err := c.do(OpDelete, req)
		if err != nil {
			return retry.Retryable(transportError(OpDelete, path, err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
			return nil
		case http.StatusNotFound:
			if attempt > 1 {
				return nil
			}
		}
		return classifyStatus(OpDelete, path, resp.StatusCode, readErrorMessage(resp))
	})
}
