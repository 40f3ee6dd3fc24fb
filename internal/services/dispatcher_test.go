// ABOUTME: Tests for permission-gated listing and dispatch, and result encoding.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barelyworkingcode/iMCP/internal/auth"
)

// fakeService is a scriptable Service for dispatcher tests.
type fakeService struct {
	id     string
	tools  []Tool
	result Result
	err    error

	mu       sync.Mutex
	calls    int
	lastTool string
}

func (f *fakeService) ID() string        { return f.id }
func (f *fakeService) IsActivated() bool { return true }
func (f *fakeService) Activate() error   { return nil }
func (f *fakeService) Tools() []Tool     { return f.tools }

func (f *fakeService) Call(_ context.Context, tool string, _ map[string]any) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastTool = tool
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return Value{V: map[string]any{"ok": true}}, nil
	}
	return f.result, nil
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newCalendarFake() *fakeService {
	return &fakeService{
		id: "CalendarService",
		tools: []Tool{
			{Name: "calendar_read", Description: "read", InputSchema: json.RawMessage(`{}`), ReadOnly: true},
			{Name: "calendar_create", Description: "create", InputSchema: json.RawMessage(`{}`), ReadOnly: false},
		},
	}
}

func testDispatcher(t *testing.T, svcs ...Service) *Dispatcher {
	t.Helper()
	registry, err := NewRegistry(svcs...)
	require.NoError(t, err)
	return NewDispatcher(registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func tokenWith(perms map[string]auth.Permission) auth.Token {
	return auth.Token{ID: "t1", Name: "Claude", Permissions: perms}
}

func toolNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

func TestListToolsReadOnlyFiltersByHint(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionReadOnly})

	tools := d.ListTools(tok)
	assert.Equal(t, []string{"calendar_read"}, toolNames(tools))
}

func TestListToolsFullSeesEverything(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	tools := d.ListTools(tok)
	assert.Equal(t, []string{"calendar_read", "calendar_create"}, toolNames(tools))
}

func TestListToolsOffSeesNothing(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())

	assert.Empty(t, d.ListTools(tokenWith(nil)))
	assert.Empty(t, d.ListTools(tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionOff})))
}

func TestListToolsDisabledServerIsEmpty(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())
	d.SetEnabled(false)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	assert.Empty(t, d.ListTools(tok))
}

func TestListToolsDisabledServiceIsHidden(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())
	d.SetServiceEnabled("CalendarService", false)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	assert.Empty(t, d.ListTools(tok))
}

func TestCallToolPermissionDenied(t *testing.T) {
	svc := newCalendarFake()
	d := testDispatcher(t, svc)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionReadOnly})

	outcome := d.CallTool(context.Background(), tok, "calendar_create", nil)
	assert.Contains(t, outcome.ErrMsg, "permission denied")
	assert.Contains(t, outcome.ErrMsg, "calendar_create")
	assert.Zero(t, svc.callCount(), "service must never execute on denial")
}

func TestCallToolListCallParity(t *testing.T) {
	// Whatever ListTools excludes, CallTool must refuse without executing.
	svc := newCalendarFake()
	d := testDispatcher(t, svc)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionReadOnly})

	listed := make(map[string]bool)
	for _, tool := range d.ListTools(tok) {
		listed[tool.Name] = true
	}

	for _, tool := range []string{"calendar_read", "calendar_create", "no_such_tool"} {
		before := svc.callCount()
		outcome := d.CallTool(context.Background(), tok, tool, nil)
		if listed[tool] {
			assert.Empty(t, outcome.ErrMsg, "listed tool %s should execute", tool)
		} else {
			assert.NotEmpty(t, outcome.ErrMsg, "excluded tool %s must fail", tool)
			assert.Equal(t, before, svc.callCount(), "excluded tool %s must not execute", tool)
		}
	}
}

func TestCallToolNotFound(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "nonexistent", nil)
	assert.Equal(t, "tool not found or service not enabled", outcome.ErrMsg)
}

func TestCallToolServerDisabled(t *testing.T) {
	svc := newCalendarFake()
	d := testDispatcher(t, svc)
	d.SetEnabled(false)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "calendar_read", nil)
	assert.Equal(t, "server is disabled", outcome.ErrMsg)
	assert.Zero(t, svc.callCount())
}

func TestCallToolDisabledServiceReadsAsNotFound(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())
	d.SetServiceEnabled("CalendarService", false)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "calendar_read", nil)
	assert.Equal(t, "tool not found or service not enabled", outcome.ErrMsg)
}

func TestCallToolServiceErrorBecomesErrorResult(t *testing.T) {
	svc := newCalendarFake()
	svc.err = errors.New("host said no")
	d := testDispatcher(t, svc)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "calendar_read", nil)
	assert.Equal(t, "host said no", outcome.ErrMsg)
}

func TestCallToolValueIsEncoded(t *testing.T) {
	svc := newCalendarFake()
	svc.result = Value{V: map[string]any{"b": 2, "a": 1, "url": "https://example.com/a?x=1&y=2"}}
	d := testDispatcher(t, svc)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "calendar_read", nil)
	require.Empty(t, outcome.ErrMsg)
	// Stable key order, no HTML escaping, no trailing newline.
	assert.Equal(t, `{"a":1,"b":2,"url":"https://example.com/a?x=1&y=2"}`, string(outcome.JSON))
}

func TestCallToolBlobPassesThrough(t *testing.T) {
	svc := newCalendarFake()
	svc.result = Blob{MIME: "image/png", Data: []byte{1, 2, 3}}
	d := testDispatcher(t, svc)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "calendar_read", nil)
	require.NotNil(t, outcome.Blob)
	assert.Equal(t, "image/png", outcome.Blob.MIME)
}

func TestCallToolNotHandledReadsAsNotFound(t *testing.T) {
	svc := newCalendarFake()
	svc.result = NotHandled{}
	d := testDispatcher(t, svc)
	tok := tokenWith(map[string]auth.Permission{"CalendarService": auth.PermissionFull})

	outcome := d.CallTool(context.Background(), tok, "calendar_read", nil)
	assert.Equal(t, "tool not found or service not enabled", outcome.ErrMsg)
}

func TestSetEnabledReportsBoundaryOnly(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())

	assert.False(t, d.SetEnabled(true), "already enabled")
	assert.True(t, d.SetEnabled(false))
	assert.False(t, d.SetEnabled(false))
	assert.True(t, d.SetEnabled(true))
}

func TestSetServiceEnabledReportsChange(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())

	assert.False(t, d.SetServiceEnabled("CalendarService", true))
	assert.True(t, d.SetServiceEnabled("CalendarService", false))
	assert.False(t, d.SetServiceEnabled("CalendarService", false))
	assert.True(t, d.SetServiceEnabled("CalendarService", true))
}

func TestSetBindingsReportsChange(t *testing.T) {
	d := testDispatcher(t, newCalendarFake())

	assert.False(t, d.SetBindings(map[string]bool{"CalendarService": true}))
	assert.True(t, d.SetBindings(map[string]bool{"CalendarService": false}))
	assert.False(t, d.SetBindings(map[string]bool{"CalendarService": false}))
}
