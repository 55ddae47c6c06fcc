package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// maxProbeBody caps how much of a response body the contains assertion reads.
const maxProbeBody = 1 << 20

// CheckResult is one executed check's measured outcome. Detail explains a
// failure in one line; it is logged, not stored.
type CheckResult struct {
	Passed   bool
	Detail   string
	Duration time.Duration
}

// checker executes http and tcp monitor checks. ssl and dns checks need a
// dedicated prober and are rejected as unexecutable, which surfaces as a
// failure note on the run.
type checker struct {
	follow   *http.Client
	noFollow *http.Client
	dialer   *net.Dialer
	timeout  time.Duration
}

func newChecker(timeout time.Duration) *checker {
	return &checker{
		follow: &http.Client{},
		noFollow: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:  &net.Dialer{},
		timeout: timeout,
	}
}

// Run executes the check. A returned error means the check could not be
// executed at all; a CheckResult with Passed=false means it ran and the
// target failed it.
func (c *checker) Run(ctx context.Context, task *domain.MonitorCheckTask) (CheckResult, error) {
	switch task.Type {
	case domain.MonitorTypeHTTP:
		return c.checkHTTP(ctx, task)
	case domain.MonitorTypeTCP:
		return c.checkTCP(ctx, task)
	default:
		return CheckResult{}, fmt.Errorf("%s checks are not supported by the reference worker", task.Type)
	}
}

func (c *checker) checkTimeout(task *domain.MonitorCheckTask) time.Duration {
	if task.Check.TimeoutSeconds > 0 {
		return time.Duration(task.Check.TimeoutSeconds) * time.Second
	}
	return c.timeout
}

func (c *checker) checkHTTP(ctx context.Context, task *domain.MonitorCheckTask) (CheckResult, error) {
	start := time.Now()

	method := task.Check.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.checkTimeout(task))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, task.Target, nil)
	if err != nil {
		return CheckResult{}, fmt.Errorf("build request: %w", err)
	}
	for name, value := range task.Check.Headers {
		req.Header.Set(name, value)
	}

	client := c.noFollow
	if task.Check.FollowRedirects {
		client = c.follow
	}
	resp, err := client.Do(req)
	if err != nil {
		return CheckResult{Detail: fmt.Sprintf("request failed: %v", err), Duration: time.Since(start)}, nil
	}
	defer resp.Body.Close()

	if !statusExpected(resp.StatusCode, task.Check.ExpectedStatus) {
		return CheckResult{
			Detail:   fmt.Sprintf("status %d not in expected set", resp.StatusCode),
			Duration: time.Since(start),
		}, nil
	}

	if task.Check.BodyContains != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
		if err != nil {
			return CheckResult{Detail: fmt.Sprintf("read body: %v", err), Duration: time.Since(start)}, nil
		}
		if !strings.Contains(string(body), task.Check.BodyContains) {
			return CheckResult{Detail: "body does not contain expected text", Duration: time.Since(start)}, nil
		}
	}

	return CheckResult{Passed: true, Duration: time.Since(start)}, nil
}

// statusExpected treats an empty expectation as "any 2xx".
func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, want := range expected {
		if code == want {
			return true
		}
	}
	return false
}

func (c *checker) checkTCP(ctx context.Context, task *domain.MonitorCheckTask) (CheckResult, error) {
	start := time.Now()

	if task.Check.Port <= 0 {
		return CheckResult{}, fmt.Errorf("tcp check requires a port")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.checkTimeout(task))
	defer cancel()

	addr := net.JoinHostPort(task.Target, strconv.Itoa(task.Check.Port))
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return CheckResult{Detail: fmt.Sprintf("connect %s: %v", addr, err), Duration: time.Since(start)}, nil
	}
	conn.Close()

	return CheckResult{Passed: true, Duration: time.Since(start)}, nil
}
