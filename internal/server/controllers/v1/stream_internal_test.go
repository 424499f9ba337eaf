package v1

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesWithBody(conversationID string, body string, ids ...uint) []models.Message {
	messages := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, models.Message{ID: id, ConversationID: conversationID, Body: body})
	}
	return messages
}

func TestSplitFramesByBudget(t *testing.T) {
	t.Parallel()
	messages := messagesWithBody("conv-1", strings.Repeat("a", 100), 1, 2, 3, 4, 5)
	encoded, err := json.Marshal(messages[0])
	require.NoError(t, err)
	// Two messages fit, a third does not.
	budget := 2*(len(encoded)+1) + 10

	batches := splitFrames(messages, budget)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)

	var ids []uint
	for _, batch := range batches {
		for _, message := range batch {
			ids = append(ids, message.ID)
		}
	}
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, ids)
}

func TestSplitFramesOversizedMessageGoesAlone(t *testing.T) {
	t.Parallel()
	messages := []models.Message{
		{ID: 1, Body: "small"},
		{ID: 2, Body: strings.Repeat("b", 4096)},
		{ID: 3, Body: "small"},
	}

	batches := splitFrames(messages, 1024)
	require.Len(t, batches, 3)
	for i, batch := range batches {
		require.Len(t, batch, 1)
		assert.Equal(t, uint(i+1), batch[0].ID)
	}
}

func TestSplitFramesEmpty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, splitFrames(nil, maxFrameBytes))
}
