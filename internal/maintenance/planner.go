// Package maintenance selects shutdown block heights and drives the
// child's dynamic-config reload/verify/restore protocol.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/svcerrors"
)

// VerifyPollInterval is how often the planner polls config_reloads_total
// while waiting for a dynamic-config apply to take effect.
const VerifyPollInterval = 100 * time.Millisecond

// VerifyTimeout is how long the planner waits before giving up on a
// dynamic-config apply.
const VerifyTimeout = 5 * time.Second

// blockOffset is added to a window's start height to target a final block,
// matching the two-block settlement margin the original implementation uses.
const blockOffset = 2

// Request is an operator's maintenance schedule request.
type Request struct {
	MinimumLength      uint64
	ExplicitShutdownAt *uint64
	Cancel             bool
}

// Plan is the in-memory maintenance state held while Validating. At most
// one plan is active; Cancel clears both fields.
type Plan struct {
	ExpectedShutdownAtBlock *uint64
	ShutdownWithChild       bool
}

// ChildClient is the subset of childproc.Client the planner needs.
type ChildClient interface {
	MaintenanceWindows(ctx context.Context, accountID string) ([]childproc.MaintenanceWindow, error)
	ConfigReloadsTotal(ctx context.Context) (int64, error)
}

// ConfigEditor applies and restores the child's dynamic-config field and
// signals it to reload.
type ConfigEditor interface {
	ApplyExpectedShutdown(height *uint64) (restore func() error, err error)
	SignalReload() error
}

// Planner selects a shutdown height and drives the apply protocol.
type Planner struct {
	accountID string
	child     ChildClient
	editor    ConfigEditor
}

// NewPlanner builds a planner for accountID's maintenance windows.
func NewPlanner(accountID string, child ChildClient, editor ConfigEditor) *Planner {
	return &Planner{accountID: accountID, child: child, editor: editor}
}

// SelectHeight picks the shutdown block height for req, without applying
// anything. ExplicitShutdownAt wins outright; otherwise a window is chosen
// from the child's advertised maintenance windows.
func (p *Planner) SelectHeight(ctx context.Context, req Request) (uint64, error) {
	if req.ExplicitShutdownAt != nil && req.MinimumLength > 0 {
		return 0, svcerrors.MaintConflictingRequest()
	}
	if req.ExplicitShutdownAt != nil {
		return *req.ExplicitShutdownAt, nil
	}

	windows, err := p.child.MaintenanceWindows(ctx, p.accountID)
	if err != nil {
		return 0, fmt.Errorf("query maintenance windows: %w", err)
	}

	if req.MinimumLength > 0 {
		for _, w := range windows {
			if w.Length() > req.MinimumLength {
				return w.Start + blockOffset, nil
			}
		}
		return 0, svcerrors.MaintNoWindow(req.MinimumLength)
	}

	return largestWindowShutdownHeight(windows)
}

// largestWindowShutdownHeight picks the largest window by length, breaking
// ties by lowest start height (this spec's resolution of an unspecified
// original behavior).
func largestWindowShutdownHeight(windows []childproc.MaintenanceWindow) (uint64, error) {
	if len(windows) == 0 {
		return 0, svcerrors.MaintNoWindow(0)
	}

	best := windows[0]
	for _, w := range windows[1:] {
		if w.Length() > best.Length() || (w.Length() == best.Length() && w.Start < best.Start) {
			best = w
		}
	}
	return best.Start + blockOffset, nil
}

// Apply runs the full dynamic-config protocol: snapshot the reload
// counter, write the expected-shutdown field, signal reload, poll for the
// counter to increment, and unconditionally restore the original config on
// any exit path.
func (p *Planner) Apply(ctx context.Context, height *uint64) (err error) {
	before, err := p.child.ConfigReloadsTotal(ctx)
	if err != nil {
		return fmt.Errorf("read config_reloads_total before apply: %w", err)
	}

	restore, err := p.editor.ApplyExpectedShutdown(height)
	if err != nil {
		return fmt.Errorf("write dynamic config: %w", err)
	}
	defer func() {
		if restoreErr := restore(); restoreErr != nil && err == nil {
			err = fmt.Errorf("restore dynamic config: %w", restoreErr)
		}
	}()

	if err = p.editor.SignalReload(); err != nil {
		return fmt.Errorf("signal child reload: %w", err)
	}

	deadline := time.Now().Add(VerifyTimeout)
	for {
		after, verifyErr := p.child.ConfigReloadsTotal(ctx)
		if verifyErr == nil && after > before {
			return nil
		}
		if time.Now().After(deadline) {
			return svcerrors.MaintVerifyTimeout(verifyErr)
		}

		timer := time.NewTimer(VerifyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cancel runs the apply protocol with no expected shutdown, undoing any
// prior plan.
func (p *Planner) Cancel(ctx context.Context) error {
	return p.Apply(ctx, nil)
}
