package maintenance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/svcerrors"
)

type fakeChildClient struct {
	windows      []childproc.MaintenanceWindow
	windowsErr   error
	reloadsTotal int64
	reloadsAfter func() int64
	reloadsErr   error
}

func (f *fakeChildClient) MaintenanceWindows(ctx context.Context, accountID string) ([]childproc.MaintenanceWindow, error) {
	return f.windows, f.windowsErr
}

func (f *fakeChildClient) ConfigReloadsTotal(ctx context.Context) (int64, error) {
	if f.reloadsErr != nil {
		return 0, f.reloadsErr
	}
	if f.reloadsAfter != nil {
		return f.reloadsAfter(), nil
	}
	return f.reloadsTotal, nil
}

type fakeConfigEditor struct {
	applied      *uint64
	restoreCalls int
	signalCalls  int
	applyErr     error
	signalErr    error
}

func (f *fakeConfigEditor) ApplyExpectedShutdown(height *uint64) (func() error, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = height
	return func() error {
		f.restoreCalls++
		return nil
	}, nil
}

func (f *fakeConfigEditor) SignalReload() error {
	f.signalCalls++
	return f.signalErr
}

func TestSelectHeightExplicitWins(t *testing.T) {
	p := NewPlanner("node0", &fakeChildClient{}, &fakeConfigEditor{})
	explicit := uint64(5000)
	height, err := p.SelectHeight(context.Background(), Request{ExplicitShutdownAt: &explicit})
	require.NoError(t, err)
	require.Equal(t, explicit, height)
}

func TestSelectHeightRejectsConflictingRequest(t *testing.T) {
	p := NewPlanner("node0", &fakeChildClient{}, &fakeConfigEditor{})
	explicit := uint64(5000)
	_, err := p.SelectHeight(context.Background(), Request{ExplicitShutdownAt: &explicit, MinimumLength: 10})
	var svcErr *svcerrors.ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, svcerrors.CodeMaintConflictingRequest, svcErr.Code)
}

func TestSelectHeightMinimumLengthPicksFirstMatchingWindow(t *testing.T) {
	child := &fakeChildClient{windows: []childproc.MaintenanceWindow{
		{Start: 100, End: 150},
		{Start: 500, End: 900},
	}}
	p := NewPlanner("node0", child, &fakeConfigEditor{})
	height, err := p.SelectHeight(context.Background(), Request{MinimumLength: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(500+blockOffset), height)
}

func TestSelectHeightMinimumLengthNoMatch(t *testing.T) {
	child := &fakeChildClient{windows: []childproc.MaintenanceWindow{{Start: 100, End: 150}}}
	p := NewPlanner("node0", child, &fakeConfigEditor{})
	_, err := p.SelectHeight(context.Background(), Request{MinimumLength: 1000})
	var svcErr *svcerrors.ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, svcerrors.CodeMaintNoWindow, svcErr.Code)
}

func TestSelectHeightLargestWindowTiesBrokenByLowestStart(t *testing.T) {
	child := &fakeChildClient{windows: []childproc.MaintenanceWindow{
		{Start: 900, End: 1000}, // length 100
		{Start: 100, End: 200},  // length 100, lower start
	}}
	p := NewPlanner("node0", child, &fakeConfigEditor{})
	height, err := p.SelectHeight(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, uint64(100+blockOffset), height)
}

func TestApplyRestoresUnconditionallyOnSignalError(t *testing.T) {
	child := &fakeChildClient{reloadsTotal: 1}
	editor := &fakeConfigEditor{signalErr: errors.New("signal failed")}
	p := NewPlanner("node0", child, editor)

	height := uint64(123)
	err := p.Apply(context.Background(), &height)
	require.Error(t, err)
	require.Equal(t, 1, editor.restoreCalls)
}

func TestApplySucceedsWhenCounterIncrements(t *testing.T) {
	calls := 0
	child := &fakeChildClient{reloadsTotal: 5, reloadsAfter: func() int64 {
		calls++
		if calls >= 2 {
			return 6
		}
		return 5
	}}
	editor := &fakeConfigEditor{}
	p := NewPlanner("node0", child, editor)

	height := uint64(123)
	err := p.Apply(context.Background(), &height)
	require.NoError(t, err)
	require.Equal(t, 1, editor.restoreCalls)
	require.Equal(t, 1, editor.signalCalls)
	require.NotNil(t, editor.applied)
	require.Equal(t, height, *editor.applied)
}

func TestApplyTimesOutWhenCounterNeverIncrements(t *testing.T) {
	child := &fakeChildClient{reloadsTotal: 5}
	editor := &fakeConfigEditor{}
	p := NewPlanner("node0", child, editor)

	height := uint64(123)
	err := p.Apply(context.Background(), &height)
	var svcErr *svcerrors.ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, svcerrors.CodeMaintVerifyTimeout, svcErr.Code)
	require.Equal(t, 1, editor.restoreCalls)
}
