package zerobot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildConfigUnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		doc                string
		expectedChannels   []string
		expectedCategories []string
	}{
		{
			name:             "string ids",
			doc:              `{"ignored_channel_ids": ["123", "456"]}`,
			expectedChannels: []string{"123", "456"},
		},
		{
			name:             "numeric ids from older revisions",
			doc:              `{"ignored_channel_ids": [123, 456]}`,
			expectedChannels: []string{"123", "456"},
		},
		{
			name:             "mixed strings and numbers",
			doc:              `{"ignored_channel_ids": ["123", 456]}`,
			expectedChannels: []string{"123", "456"},
		},
		{
			name:             "non-numeric entries dropped individually",
			doc:              `{"ignored_channel_ids": ["123", "general", null, true]}`,
			expectedChannels: []string{"123"},
		},
		{
			name: "both lists",
			doc: `{"ignored_channel_ids": ["1"],` +
				` "ignored_category_ids": [2]}`,
			expectedChannels:   []string{"1"},
			expectedCategories: []string{"2"},
		},
		{
			name: "empty document",
			doc:  `{}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				var cfg GuildConfig
				require.NoError(t, json.Unmarshal([]byte(tt.doc), &cfg))
				assert.Equal(t, tt.expectedChannels, cfg.IgnoredChannelIDs)
				assert.Equal(t, tt.expectedCategories, cfg.IgnoredCategoryIDs)
			},
		)
	}
}

func TestGuildConfigUnmarshalJSONMalformed(t *testing.T) {
	t.Parallel()

	var cfg GuildConfig
	err := json.Unmarshal([]byte(`{"ignored_channel_ids": "not-a-list"}`), &cfg)
	assert.Error(t, err)
}

func TestGuildConfigSets(t *testing.T) {
	t.Parallel()

	cfg := GuildConfig{
		IgnoredChannelIDs:  []string{"123", "456"},
		IgnoredCategoryIDs: []string{"789"},
	}

	channels := cfg.IgnoredChannelSet()
	assert.Len(t, channels, 2)
	_, ok := channels["123"]
	assert.True(t, ok)

	categories := cfg.IgnoredCategorySet()
	assert.Len(t, categories, 1)
	_, ok = categories["789"]
	assert.True(t, ok)
}
