package describe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	calls int
	fail  bool
	empty bool
}

func (f *fakeAgent) Run(_ context.Context, _ ...agent.RunOptionFunc) (*agent.AgentRunAggregator, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("model offline")
	}
	if f.empty {
		return &agent.AgentRunAggregator{}, nil
	}
	return &agent.AgentRunAggregator{
		Messages: []*core.Message{
			{Content: "prompt echo"},
			{Content: fmt.Sprintf("observation %d", f.calls)},
		},
	}, nil
}

func TestDescribeJoinsPerFrameObservations(t *testing.T) {
	fake := &fakeAgent{}
	d := &OllamaDescriber{agent: fake}

	out, err := d.Describe(context.Background(), []string{"a.jpg", "b.jpg", "c.jpg"}, "who is at the door")
	require.NoError(t, err)

	// One model call per frame, last message of each response kept.
	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, "observation 1\n\nobservation 2\n\nobservation 3", out)
}

func TestDescribeAgentError(t *testing.T) {
	d := &OllamaDescriber{agent: &fakeAgent{fail: true}}

	_, err := d.Describe(context.Background(), []string{"a.jpg"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.jpg")
}

func TestDescribeEmptyResponse(t *testing.T) {
	d := &OllamaDescriber{agent: &fakeAgent{empty: true}}

	_, err := d.Describe(context.Background(), []string{"a.jpg"}, "query")
	require.Error(t, err)
}
