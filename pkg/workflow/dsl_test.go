package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, names ...string) *Registry {
	reg := NewRegistry()
	for _, name := range names {
		err := reg.RegisterFunc(name, func(ctx context.Context, wc *Context) (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}
	return reg
}

func TestParseLinearWorkflow(t *testing.T) {
	data := []byte(`
name: order-pipeline
steps:
  - name: fetch
    action: fetch_items
    timeout: 30s
    retry:
      max_attempts: 3
      backoff: 500ms
  - name: discount
    action: apply_discount
    when: 'total > 100'
`)
	wf, err := Parse(data, testRegistry(t, "fetch_items", "apply_discount"))
	require.NoError(t, err)
	assert.Equal(t, "order-pipeline", wf.Name)
	require.Len(t, wf.Steps, 2)

	fetch := wf.Steps[0]
	assert.Equal(t, "fetch_items", fetch.ActionName)
	require.NotNil(t, fetch.Timeout)
	assert.Equal(t, 30*time.Second, *fetch.Timeout)
	assert.Equal(t, 3, fetch.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, fetch.Retry.Backoff)

	discount := wf.Steps[1]
	require.NotNil(t, discount.Condition)

	ok, err := discount.Condition(NewContext(map[string]any{"total": 150}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = discount.Condition(NewContext(map[string]any{"total": 50}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseSwitchWorkflow(t *testing.T) {
	data := []byte(`
name: routing
steps:
  - name: route
    switch:
      - name: premium
        when: 'tier == "premium"'
        steps:
          - name: premium_checkout
            action: premium_checkout
      - name: default
        when: 'true'
        steps:
          - name: standard_checkout
            action: standard_checkout
`)
	wf, err := Parse(data, testRegistry(t, "premium_checkout", "standard_checkout"))
	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)

	route := wf.Steps[0]
	assert.True(t, route.IsSwitch())
	require.Len(t, route.Branches, 2)

	branch, err := route.SelectBranch(NewContext(map[string]any{"tier": "premium"}))
	require.NoError(t, err)
	assert.Equal(t, "premium", branch.Name)

	branch, err = route.SelectBranch(NewContext(map[string]any{"tier": "basic"}))
	require.NoError(t, err)
	assert.Equal(t, "default", branch.Name)
}

func TestParseDefaultsActionToStepName(t *testing.T) {
	data := []byte(`
name: simple
steps:
  - name: fetch
`)
	wf, err := Parse(data, testRegistry(t, "fetch"))
	require.NoError(t, err)
	assert.Equal(t, "fetch", wf.Steps[0].ActionName)
	assert.NotNil(t, wf.Steps[0].Action)
}

func TestParseUnknownActionFailsFast(t *testing.T) {
	data := []byte(`
name: simple
steps:
  - name: fetch
    action: nope
`)
	_, err := Parse(data, testRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered action 'nope'")
}

func TestParseNilRegistrySkipsResolution(t *testing.T) {
	data := []byte(`
name: simple
steps:
  - name: fetch
    action: remote_action
`)
	wf, err := Parse(data, nil)
	require.NoError(t, err)
	assert.Equal(t, "remote_action", wf.Steps[0].ActionName)
	assert.Nil(t, wf.Steps[0].Action)
}

func TestParseInvalidConditionFailsFast(t *testing.T) {
	data := []byte(`
name: simple
steps:
  - name: fetch
    when: 'total >'
`)
	_, err := Parse(data, testRegistry(t, "fetch"))
	require.Error(t, err)
	_, ok := err.(*DefinitionError)
	assert.True(t, ok)
}

func TestParseDuplicateStepNamesFailFast(t *testing.T) {
	data := []byte(`
name: simple
steps:
  - name: fetch
  - name: fetch
`)
	_, err := Parse(data, testRegistry(t, "fetch"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestParseInvalidTimeout(t *testing.T) {
	data := []byte(`
name: simple
steps:
  - name: fetch
    timeout: soon
`)
	_, err := Parse(data, testRegistry(t, "fetch"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestConditionMissingVariableIsNotAnError(t *testing.T) {
	cond, err := compileCondition("wf", "s", `approved == true`)
	require.NoError(t, err)

	ok, err := cond(NewContext(nil))
	require.NoError(t, err)
	assert.False(t, ok)
}
