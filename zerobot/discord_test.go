package zerobot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStateSession(t *testing.T) *discordgo.Session {
	t.Helper()
	session, err := discordgo.New("Bot test-token")
	require.NoError(t, err)
	session.StateEnabled = true
	return session
}

func TestGatewayPresenceSourceVoiceRooms(t *testing.T) {
	t.Parallel()

	session := newStateSession(t)
	require.NoError(
		t, session.State.GuildAdd(
			&discordgo.Guild{
				ID: "guild-1",
				Channels: []*discordgo.Channel{
					{ID: "voice-1", ParentID: "category-1", GuildID: "guild-1"},
					{ID: "voice-2", GuildID: "guild-1"},
				},
				Members: []*discordgo.Member{
					{User: &discordgo.User{ID: "alice"}},
					{User: &discordgo.User{ID: "bob"}},
					{User: &discordgo.User{ID: "musicbot", Bot: true}},
				},
				VoiceStates: []*discordgo.VoiceState{
					{UserID: "alice", ChannelID: "voice-1", SelfMute: true},
					{UserID: "bob", ChannelID: "voice-1"},
					{UserID: "musicbot", ChannelID: "voice-2"},
					// disconnected but still present in cached state
					{UserID: "carol", ChannelID: ""},
				},
			},
		),
	)

	source := &gatewayPresenceSource{session: session}

	assert.Equal(t, []string{"guild-1"}, source.GuildIDs())

	rooms := source.VoiceRooms("guild-1")
	require.Len(t, rooms, 2)

	byChannel := map[string]VoiceRoom{}
	for _, room := range rooms {
		byChannel[room.ChannelID] = room
	}

	room1, ok := byChannel["voice-1"]
	require.True(t, ok)
	assert.Equal(t, "category-1", room1.CategoryID)
	require.Len(t, room1.Members, 2)

	byUser := map[string]RoomMember{}
	for _, m := range room1.Members {
		byUser[m.UserID] = m
	}
	assert.True(t, byUser["alice"].SelfMute)
	assert.False(t, byUser["alice"].Bot)
	assert.False(t, byUser["bob"].SelfMute)

	room2, ok := byChannel["voice-2"]
	require.True(t, ok)
	require.Len(t, room2.Members, 1)
	assert.True(t, room2.Members[0].Bot, "bot flag carried for the ticker to filter")

	// unknown guilds yield no rooms
	assert.Nil(t, source.VoiceRooms("guild-2"))
}

func TestCommandDefinitions(t *testing.T) {
	t.Parallel()

	d := &Discord{config: &DiscordConfig{}}
	defs := d.commandDefinitions()
	require.Len(t, defs, 2)

	byName := map[string]*discordgo.ApplicationCommand{}
	for _, def := range defs {
		byName[def.Name] = def
	}

	zb, ok := byName[DiscordSlashCommandZB]
	require.True(t, ok)
	assert.Nil(t, zb.DefaultMemberPermissions)
	require.NotNil(t, zb.DMPermission)
	assert.False(t, *zb.DMPermission)

	subNames := make([]string, 0, len(zb.Options))
	for _, opt := range zb.Options {
		subNames = append(subNames, opt.Name)
	}
	assert.ElementsMatch(t, []string{"rank", "leaderboard", "active"}, subNames)

	admin, ok := byName[DiscordSlashCommandZBAdmin]
	require.True(t, ok)
	require.NotNil(t, admin.DefaultMemberPermissions)
	assert.Equal(
		t,
		int64(discordgo.PermissionAdministrator),
		*admin.DefaultMemberPermissions,
	)

	adminSubs := make([]string, 0, len(admin.Options))
	for _, opt := range admin.Options {
		adminSubs = append(adminSubs, opt.Name)
	}
	assert.ElementsMatch(
		t, []string{"show_xp", "adjust_xp", "voice_stats"}, adminSubs,
	)
}
