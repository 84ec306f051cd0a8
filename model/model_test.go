package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/core"
)

func collect(t *testing.T, respCh <-chan Response, errCh <-chan error) ([]Response, error) {
	t.Helper()
	var responses []Response
	for r := range respCh {
		responses = append(responses, r)
	}
	return responses, <-errCh
}

func TestMockModelCannedResponse(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddResponse("what failed?", "db-3 ran out of disk")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewUserContent("what failed?")},
	})
	responses, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "db-3 ran out of disk", responses[0].Content.Text())
	assert.False(t, responses[0].Partial)
}

func TestMockModelStreaming(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddResponse("hi", "ok")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewUserContent("hi")},
		Stream:   true,
	})
	responses, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	// Two partial char chunks plus the final.
	require.Len(t, responses, 3)
	assert.True(t, responses[0].Partial)
	assert.True(t, responses[1].Partial)
	assert.False(t, responses[2].Partial)
	assert.Equal(t, "ok", responses[2].Content.Text())
}

func TestMockModelScriptConsumedInOrder(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddScript("investigate",
		ToolCallResponse("tc-1", "query_logs", `{"service":"db"}`),
		TextResponse("found it"),
	)

	req := Request{Contents: []core.Content{core.NewUserContent("investigate")}}

	respCh, errCh := m.Generate(context.Background(), req)
	responses, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, responses[0].Content.Parts, 1)
	_, isCall := responses[0].Content.Parts[0].(core.ToolCallPart)
	assert.True(t, isCall)

	respCh, errCh = m.Generate(context.Background(), req)
	responses, err = collect(t, respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "found it", responses[0].Content.Text())
}

func TestMockModelFailNext(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.FailNext(core.Transient(errors.New("connection reset")))
	m.AddResponse("hi", "ok")

	req := Request{Contents: []core.Content{core.NewUserContent("hi")}}

	respCh, errCh := m.Generate(context.Background(), req)
	responses, err := collect(t, respCh, errCh)
	assert.Empty(t, responses)
	assert.True(t, core.IsTransient(err))

	respCh, errCh = m.Generate(context.Background(), req)
	responses, err = collect(t, respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "ok", responses[0].Content.Text())
}
