// Reachability checks for the bot's backing services.
package health

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	Name     string
	Required bool
	// empty when the component answered
	Err     string
	Latency time.Duration
}

func (s Status) OK() bool {
	return s.Err == ""
}

type Report struct {
	Components []Status
}

// Healthy is false only when a required component failed. Optional
// components (cache, notification) degrade the bot but do not stop it.
func (r Report) Healthy() bool {
	for _, c := range r.Components {
		if c.Required && !c.OK() {
			return false
		}
	}
	return true
}

func (r Report) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, c := range r.Components {
		state := "ok"
		if !c.OK() {
			state = "FAIL " + c.Err
		}
		n, err := fmt.Fprintf(w, "%-10s %-6s %8s  %s\n", c.Name, requiredLabel(c.Required), c.Latency.Round(time.Millisecond), state)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func requiredLabel(required bool) string {
	if required {
		return "req"
	}
	return "opt"
}

type check struct {
	name     string
	required bool
	p        Pinger
}

// Checker pings every registered component concurrently.
type Checker struct {
	Timeout time.Duration
	checks  []check
}

func NewChecker() *Checker {
	return &Checker{Timeout: 5 * time.Second}
}

// Add registers a component. A nil pinger is skipped.
func (c *Checker) Add(name string, required bool, p Pinger) *Checker {
	if p != nil {
		c.checks = append(c.checks, check{name: name, required: required, p: p})
	}
	return c
}

func (c *Checker) CheckAll(ctx context.Context) Report {
	out := make([]Status, len(c.checks))
	var g errgroup.Group
	for i, chk := range c.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()
			start := time.Now()
			err := chk.p.Ping(cctx)
			out[i] = Status{Name: chk.name, Required: chk.required, Latency: time.Since(start)}
			if err != nil {
				out[i].Err = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return Report{Components: out}
}
