package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func tieCandidates() []model.SegmentProfile {
	return []model.SegmentProfile{
		{ID: "p1", Rank: 1, Title: "Practice owners"},
		{ID: "p2", Rank: 2, Title: "Office managers"},
	}
}

func TestAnthropicTieBreaker_ChoosesAndCaches(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" && len(req.Messages) == 1 && len(req.System) == 1
	})).Return(textResponse("```json\n{\"profile_id\":\"p2\",\"score\":88}\n```"), nil).Once()

	tb := NewAnthropicTieBreaker(client, "claude-haiku-4-5-20251001", cache.New(nil, cache.DefaultOptions()), 0)
	ctx := context.Background()

	choice, err := tb.ChooseBest(ctx, tieCandidates(), "name: Bright Smiles")
	require.NoError(t, err)
	require.NotNil(t, choice)
	assert.Equal(t, Choice{ProfileID: "p2", Score: 88}, *choice)

	// Same candidates in another order hit the cache.
	reversed := []model.SegmentProfile{tieCandidates()[1], tieCandidates()[0]}
	choice, err = tb.ChooseBest(ctx, reversed, "name: Bright Smiles")
	require.NoError(t, err)
	assert.Equal(t, "p2", choice.ProfileID)

	client.AssertExpectations(t)
}

func TestAnthropicTieBreaker_Declines(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"profile_id":"","score":0}`), nil)

	tb := NewAnthropicTieBreaker(client, "m", nil, 0)
	choice, err := tb.ChooseBest(context.Background(), tieCandidates(), "x")
	require.NoError(t, err)
	assert.Nil(t, choice)
}

func TestAnthropicTieBreaker_Malformed(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I think the first one"), nil)

	tb := NewAnthropicTieBreaker(client, "m", nil, 0)
	_, err := tb.ChooseBest(context.Background(), tieCandidates(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestAnthropicTieBreaker_NoCandidates(t *testing.T) {
	client := &mockAnthropic{}
	tb := NewAnthropicTieBreaker(client, "m", nil, 0)
	choice, err := tb.ChooseBest(context.Background(), nil, "x")
	require.NoError(t, err)
	assert.Nil(t, choice)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestAnthropicTieBreaker_BreakerOpensOnOutage(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	tb := NewAnthropicTieBreaker(client, "m", nil, 0)
	ctx := context.Background()
	for range 5 {
		_, err := tb.ChooseBest(ctx, tieCandidates(), "x")
		require.Error(t, err)
	}
	_, err := tb.ChooseBest(ctx, tieCandidates(), "x")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	client.AssertNumberOfCalls(t, "CreateMessage", 5)
}
