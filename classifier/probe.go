package classifier

import (
	"context"
	"fmt"
	"os"
	"time"
)

// DefaultProbeTimeout bounds each individual capability check.
const DefaultProbeTimeout = 5 * time.Second

// Prober reports what the current identity can do to a file. It never fails;
// a check that cannot complete reports false for that capability only.
type Prober interface {
	Probe(ctx context.Context, path string) AccessCapabilities
}

type capabilityCheck func(path string) error

// FSProber probes the live filesystem. The three checks run one after the
// other, each under its own timeout, and are detached from the caller's
// cancellation so a cancelled scan never interrupts an attribute reset.
type FSProber struct {
	timeout time.Duration

	read   capabilityCheck
	write  capabilityCheck
	modify capabilityCheck
}

func NewFSProber(timeout time.Duration) *FSProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &FSProber{
		timeout: timeout,
		read:    checkRead,
		write:   checkWrite,
		modify:  checkModifyAttributes,
	}
}

func (p *FSProber) Probe(ctx context.Context, path string) AccessCapabilities {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	return AccessCapabilities{
		CanRead:             p.run(ctx, path, p.read),
		CanWrite:            p.run(ctx, path, p.write),
		CanModifyAttributes: p.run(ctx, path, p.modify),
	}
}

func (p *FSProber) run(ctx context.Context, path string, check capabilityCheck) bool {
	if check == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		done <- check(path)
	}()

	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func checkRead(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
