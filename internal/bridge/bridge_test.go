package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport replays a scripted list of outcomes and records the
// requests it saw.
type fakeTransport struct {
	outcomes []outcome
	calls    atomic.Int32
	seen     []Request
}

type outcome struct {
	resp Response
	err  error
	// block makes the call wait for ctx cancellation instead of answering.
	block bool
}

func (f *fakeTransport) Do(ctx context.Context, req Request) (Response, error) {
	n := int(f.calls.Add(1)) - 1
	f.seen = append(f.seen, req)
	if n >= len(f.outcomes) {
		return Response{Success: true}, nil
	}
	o := f.outcomes[n]
	if o.block {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	return o.resp, o.err
}

func newTestBridge(t *fakeTransport) *Bridge {
	return New(t, zerolog.Nop())
}

func TestExecuteStampsMonotonicRequestIDs(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBridge(tr)

	_, err := b.Execute(context.Background(), "click_build_button", nil)
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), "click_build_button", nil)
	require.NoError(t, err)

	require.Len(t, tr.seen, 2)
	assert.Equal(t, int64(1), tr.seen[0].RequestID)
	assert.Equal(t, int64(2), tr.seen[1].RequestID)
}

func TestTimeoutWidensWindowAndSuccessResets(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{resp: Response{Success: true}},
	}}
	b := newTestBridge(tr)

	_, err := b.do(context.Background(), Request{Type: TypeScan}, b.currentTimeout())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, TimeoutBase+TimeoutStep, b.currentTimeout())

	_, err = b.do(context.Background(), Request{Type: TypeScan}, b.currentTimeout())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, TimeoutBase+2*TimeoutStep, b.currentTimeout())

	_, err = b.do(context.Background(), Request{Type: TypeScan}, b.currentTimeout())
	require.NoError(t, err)
	assert.Equal(t, TimeoutBase, b.currentTimeout(), "success must reset the window")
}

func TestTimeoutWindowNeverExceedsCap(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
	}}
	b := newTestBridge(tr)
	for i := 0; i < 5; i++ {
		_, _ = b.do(context.Background(), Request{Type: TypeScan}, b.currentTimeout())
	}
	assert.Equal(t, TimeoutCap, b.currentTimeout())
}

func TestExecuteRetriesTransientDisconnect(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{err: errors.New("send failed: Receiving end does not exist")},
		{resp: Response{Success: true}},
	}}
	b := newTestBridge(tr)

	start := time.Now()
	resp, err := b.Execute(context.Background(), "navigate", map[string]any{"page": "dorf1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), tr.calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "first retry backs off 1s")

	// The retry re-sends the same request id, not a fresh one.
	assert.Equal(t, tr.seen[0].RequestID, tr.seen[1].RequestID)
}

func TestExecuteGivesUpAfterTwoRetries(t *testing.T) {
	disconnect := errors.New("could not establish connection")
	tr := &fakeTransport{outcomes: []outcome{
		{err: disconnect}, {err: disconnect}, {err: disconnect},
	}}
	b := newTestBridge(tr)

	_, err := b.Execute(context.Background(), "navigate", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), tr.calls.Load())
}

func TestExecuteDoesNotRetryOtherErrors(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{err: errors.New("executor rejected frame")},
	}}
	b := newTestBridge(tr)

	_, err := b.Execute(context.Background(), "navigate", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestScanParsesState(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"loggedIn": true,
		"page":     "dorf1",
		"villages": []map[string]any{{"id": "17", "name": "Main", "active": true}},
	})
	tr := &fakeTransport{outcomes: []outcome{
		{resp: Response{Success: true, Data: data}},
	}}
	b := newTestBridge(tr)

	st, err := b.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, st.LoggedIn)
	require.Len(t, st.Villages, 1)
	assert.Equal(t, "17", st.Villages[0].ID)
}

func TestScanFailureSurfacesExecutorError(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{resp: Response{Success: false, Error: "page not recognised"}},
	}}
	b := newTestBridge(tr)

	_, err := b.Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page not recognised")
}

func TestWaitForContentScriptSucceedsAfterRetries(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{block: true},
		{block: true},
		{resp: Response{Success: true}},
	}}
	b := newTestBridge(tr)

	err := b.WaitForContentScript(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tr.calls.Load(), int32(3))
}

func TestWaitForContentScriptTimesOut(t *testing.T) {
	tr := &fakeTransport{outcomes: []outcome{
		{block: true}, {block: true}, {block: true}, {block: true},
	}}
	b := newTestBridge(tr)

	err := b.WaitForContentScript(context.Background(), 2*time.Second)
	require.ErrorIs(t, err, ErrNotAttached)
}
