// Package crawler wraps the colly collector shared by the listing and
// catalog fetchers.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

// Options configures collectors created by NewCollector
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	Parallelism int
}

// FetchError describes a failed GET. StatusCode is 0 for transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "fetch failed"
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewCollector configures a synchronous collector. Every fetch clones it, so
// one collector can serve concurrent callers.
func NewCollector(opts Options) *colly.Collector {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.MaxDepth(0),
	)
	if opts.UserAgent != "" {
		c.UserAgent = opts.UserAgent
	}

	// Set request timeout
	if opts.Timeout > 0 {
		c.SetRequestTimeout(opts.Timeout)
	}

	// Limit parallelism
	if opts.Parallelism > 0 {
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: opts.Parallelism,
		}); err != nil {
			logrus.Warnf("Failed to apply collector limit: %v", err)
		}
	}

	return c
}

// Response is a successful fetch
type Response struct {
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
}

// Fetch GETs target with a clone of base. Non-2xx answers and transport
// failures are returned as *FetchError.
func Fetch(ctx context.Context, base *colly.Collector, target string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := base.Clone()
	var resp *Response
	var fetchErr *FetchError
	start := time.Now()

	c.OnResponse(func(r *colly.Response) {
		resp = &Response{
			StatusCode: r.StatusCode,
			Body:       r.Body,
			Elapsed:    time.Since(start),
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		logrus.Debugf("Fetch %s failed: %v (status: %d)", target, err, status)
		fetchErr = &FetchError{URL: target, StatusCode: status, Err: err}
	})

	if err := c.Visit(target); err != nil && fetchErr == nil {
		fetchErr = &FetchError{URL: target, Err: err}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if resp == nil {
		return nil, &FetchError{URL: target, Err: errors.New("no response received")}
	}
	return resp, nil
}
