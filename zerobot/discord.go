package zerobot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandZB is the user-facing command group.
	DiscordSlashCommandZB = "zb"

	// DiscordSlashCommandZBAdmin is the administrator command group.
	DiscordSlashCommandZBAdmin = "zbadmin"

	discordEmbedColor      = 0x5865F2
	discordAdminEmbedColor = 0xFF5555

	// voiceStatsTopPairs caps how many co-presence partners the stats
	// embed lists
	voiceStatsTopPairs = 5
)

// Discord owns the gateway session: connection lifecycle, event handlers
// and slash-command dispatch. All XP semantics live elsewhere; this is
// presentation and transport.
type Discord struct {
	session *discordgo.Session
	config  *DiscordConfig
	logger  *slog.Logger
	z       *ZeroBot

	connected          atomic.Bool
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	removeHandlerFuncs []func()

	// signalReady receives once, when the first Ready event arrives
	signalReady chan struct{}
	readySent   atomic.Bool
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:             config,
		signalReady:        make(chan struct{}, 1),
		removeHandlerFuncs: []func(){},
	}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents

	// voice accounting reads presence from session state, so state
	// tracking stays enabled
	session.StateEnabled = true
	session.State.TrackVoice = true
	session.State.TrackMembers = true
	session.State.TrackChannels = true

	d.session = session
	return d, nil
}

// connect registers handlers and opens the gateway connection.
func (d *Discord) connect(ctx context.Context) error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady(ctx)),
		d.session.AddHandler(d.handlerConnect(ctx)),
		d.session.AddHandler(d.handlerDisconnect(ctx)),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
		d.session.AddHandler(d.handlerInteractionCreate(ctx)),
	)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (d *Discord) close() {
	for _, removeHandler := range d.removeHandlerFuncs {
		removeHandler()
	}
	d.removeHandlerFuncs = nil
	if err := d.session.Close(); err != nil {
		d.logger.Warn("error closing discord session", tint.Err(err))
	}
}

// presenceSource exposes the session state as a PresenceSource for the
// tick loop.
func (d *Discord) presenceSource() PresenceSource {
	return &gatewayPresenceSource{session: d.session}
}

func (d *Discord) handlerReady(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.InfoContext(
			ctx,
			"discord ready",
			"username", r.User.Username,
			"guild_count", len(r.Guilds),
		)
		if d.readySent.CompareAndSwap(false, true) {
			d.signalReady <- struct{}{}
		}
	}
}

func (d *Discord) handlerConnect(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.metricConnects.Add(1)
		d.logger.InfoContext(ctx, "discord gateway connected")
	}
}

func (d *Discord) handlerDisconnect(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.WarnContext(ctx, "discord gateway disconnected")
	}
}

// handlerMessageCreate feeds guild messages into the text XP handler.
func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		granted, err := d.z.textLeveling.HandleMessage(
			ctx,
			m.GuildID,
			m.Author.ID,
			m.Content,
			m.Author.Bot,
		)
		if err != nil {
			d.logger.ErrorContext(
				ctx,
				"error granting text xp",
				"guild_id", m.GuildID,
				"user_id", m.Author.ID,
				tint.Err(err),
			)
			return
		}
		if granted > 0 {
			d.logger.DebugContext(
				ctx,
				"granted text xp",
				"guild_id", m.GuildID,
				"user_id", m.Author.ID,
				"xp", granted,
			)
		}
	}
}

func (d *Discord) handlerInteractionCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
			return
		}
		data := i.ApplicationCommandData()

		var err error
		switch data.Name {
		case DiscordSlashCommandZB:
			err = d.handleZBCommand(ctx, s, i, data)
		case DiscordSlashCommandZBAdmin:
			err = d.handleZBAdminCommand(ctx, s, i, data)
		default:
			return
		}
		if err != nil {
			d.logger.ErrorContext(
				ctx,
				"error handling interaction",
				"command", data.Name,
				"guild_id", i.GuildID,
				"user_id", i.Member.User.ID,
				tint.Err(err),
			)
			_ = s.InteractionRespond(
				i.Interaction, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Content: "sorry, something went wrong!",
						Flags:   discordgo.MessageFlagsEphemeral,
					},
				},
			)
		}
	}
}

// commandDefinitions returns the application commands to register.
func (d *Discord) commandDefinitions() []*discordgo.ApplicationCommand {
	adminPermission := int64(discordgo.PermissionAdministrator)
	dmPermission := false

	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandZB,
			Description:  "XP and voice statistics",
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "rank",
					Description: "Show your level, XP and rank",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "User to look up (defaults to you)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "leaderboard",
					Description: "Show the guild XP leaderboard",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "kind",
							Description: "Which XP to rank by",
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "voice", Value: string(XPKindVoice)},
								{Name: "text", Value: string(XPKindText)},
							},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "active",
					Description: "Show the most active voice users over recent days",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "days",
							Description: "How many days to look back (default 7)",
						},
					},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandZBAdmin,
			Description:              "Administrator-only XP tools",
			DMPermission:             &dmPermission,
			DefaultMemberPermissions: &adminPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "show_xp",
					Description: "Show a user's raw XP counters",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "User to inspect",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "adjust_xp",
					Description: "Apply a signed XP correction",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "User to adjust",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "kind",
							Description: "Which counter to adjust",
							Required:    true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "voice", Value: string(XPKindVoice)},
								{Name: "text", Value: string(XPKindText)},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionNumber,
							Name:        "amount",
							Description: "Signed XP delta",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "voice_stats",
					Description: "Show a user's voice statistics",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "User to inspect (defaults to you)",
						},
					},
				},
			},
		},
	}
}

// registerCommands overwrites the bot's application commands, scoped to
// the configured guild when one is set.
func (d *Discord) registerCommands() ([]*discordgo.ApplicationCommand, error) {
	appID := d.config.ApplicationID
	if appID == "" && d.session.State.User != nil {
		appID = d.session.State.User.ID
	}
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		d.commandDefinitions(),
	)
}

func subCommandOptions(
	data discordgo.ApplicationCommandInteractionData,
) (string, []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(data.Options) == 0 {
		return "", nil
	}
	sub := data.Options[0]
	return sub.Name, sub.Options
}

func optionMap(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

func respondEmbed(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
) error {
	return s.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
}

func (d *Discord) handleZBCommand(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) error {
	sub, options := subCommandOptions(data)
	opts := optionMap(options)

	switch sub {
	case "rank":
		target := i.Member.User
		if opt, ok := opts["user"]; ok {
			target = opt.UserValue(s)
		}
		return d.respondRank(ctx, s, i, target)
	case "leaderboard":
		kind := XPKindVoice
		if opt, ok := opts["kind"]; ok {
			kind = XPKind(opt.StringValue())
		}
		return d.respondLeaderboard(ctx, s, i, kind)
	case "active":
		days := 7
		if opt, ok := opts["days"]; ok {
			if v := int(opt.IntValue()); v > 0 {
				days = v
			}
		}
		return d.respondActive(ctx, s, i, days)
	default:
		return fmt.Errorf("unknown subcommand: %s", sub)
	}
}

func (d *Discord) handleZBAdminCommand(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) error {
	sub, options := subCommandOptions(data)
	opts := optionMap(options)

	switch sub {
	case "show_xp":
		opt, ok := opts["user"]
		if !ok {
			return fmt.Errorf("missing user option")
		}
		return d.respondShowXP(ctx, s, i, opt.UserValue(s))
	case "adjust_xp":
		userOpt, ok := opts["user"]
		if !ok {
			return fmt.Errorf("missing user option")
		}
		kindOpt, ok := opts["kind"]
		if !ok {
			return fmt.Errorf("missing kind option")
		}
		amountOpt, ok := opts["amount"]
		if !ok {
			return fmt.Errorf("missing amount option")
		}
		return d.respondAdjustXP(
			ctx, s, i,
			userOpt.UserValue(s),
			XPKind(kindOpt.StringValue()),
			amountOpt.FloatValue(),
		)
	case "voice_stats":
		target := i.Member.User
		if opt, ok := opts["user"]; ok {
			target = opt.UserValue(s)
		}
		return d.respondVoiceStats(ctx, s, i, target)
	default:
		return fmt.Errorf("unknown subcommand: %s", sub)
	}
}

func (d *Discord) respondRank(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	target *discordgo.User,
) error {
	profile, err := d.z.rankings.UserProfile(ctx, i.GuildID, target.ID)
	if err != nil {
		return err
	}
	voiceRank, voiceTotal, err := d.z.rankings.UserRank(
		ctx, i.GuildID, target.ID, XPKindVoice,
	)
	if err != nil {
		return err
	}

	rankLine := "unranked"
	if voiceRank > 0 {
		rankLine = fmt.Sprintf("#%d / %d", voiceRank, voiceTotal)
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Rank: %s", target.Username),
		Color: discordEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "🎤 Voice",
				Value: fmt.Sprintf(
					"Lv.%d / %.1f XP (%.1f / %.1f to next) — %s",
					profile.Voice.Level,
					profile.VoiceXP,
					profile.Voice.CurrentXP,
					profile.Voice.NextLevelXP,
					rankLine,
				),
			},
			{
				Name: "💬 Text",
				Value: fmt.Sprintf(
					"Lv.%d / %.1f XP (%.1f / %.1f to next)",
					profile.Text.Level,
					profile.TextXP,
					profile.Text.CurrentXP,
					profile.Text.NextLevelXP,
				),
			},
		},
	}
	return respondEmbed(s, i, embed)
}

func (d *Discord) respondLeaderboard(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	kind XPKind,
) error {
	entries, err := d.z.rankings.Leaderboard(ctx, i.GuildID, kind)
	if err != nil {
		return err
	}
	if len(entries) > 10 {
		entries = entries[:10]
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(
			&sb, "**#%d** <@%s> — Lv.%d (%.1f XP)\n",
			e.Rank, e.UserID, e.Level, e.XP,
		)
	}
	if sb.Len() == 0 {
		sb.WriteString("No XP recorded yet.")
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s XP leaderboard", kind),
		Description: sb.String(),
		Color:       discordEmbedColor,
	}
	return respondEmbed(s, i, embed)
}

func (d *Discord) respondActive(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	days int,
) error {
	now := time.Now().In(d.z.location)
	from := now.AddDate(0, 0, -(days - 1))
	entries, err := d.z.rankings.PeriodLeaderboard(ctx, i.GuildID, from, now)
	if err != nil {
		return err
	}
	if len(entries) > 10 {
		entries = entries[:10]
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(
			&sb, "**#%d** <@%s> — %s\n",
			e.Rank, e.UserID, formatMinutes(e.TotalMinutes),
		)
	}
	if sb.Len() == 0 {
		sb.WriteString("No voice activity in this period.")
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Voice activity, last %d days", days),
		Description: sb.String(),
		Color:       discordEmbedColor,
	}
	return respondEmbed(s, i, embed)
}

func (d *Discord) respondShowXP(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	target *discordgo.User,
) error {
	profile, err := d.z.rankings.UserProfile(ctx, i.GuildID, target.ID)
	if err != nil {
		return err
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("XP: %s", target.Username),
		Description: "administrator view",
		Color:       discordAdminEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "🎤 Voice",
				Value: fmt.Sprintf(
					"Lv.%d / %.1f XP (%.1f / %.1f to next)",
					profile.Voice.Level, profile.VoiceXP,
					profile.Voice.CurrentXP, profile.Voice.NextLevelXP,
				),
			},
			{
				Name: "💬 Text",
				Value: fmt.Sprintf(
					"Lv.%d / %.1f XP (%.1f / %.1f to next)",
					profile.Text.Level, profile.TextXP,
					profile.Text.CurrentXP, profile.Text.NextLevelXP,
				),
			},
		},
	}
	return respondEmbed(s, i, embed)
}

func (d *Discord) respondAdjustXP(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	target *discordgo.User,
	kind XPKind,
	amount float64,
) error {
	var err error
	switch kind {
	case XPKindVoice:
		err = d.z.store.AddVoiceXP(ctx, i.GuildID, target.ID, amount)
	case XPKindText:
		err = d.z.store.AddTextXP(ctx, i.GuildID, target.ID, amount)
	default:
		return fmt.Errorf("invalid xp kind: %q", kind)
	}
	if err != nil {
		return err
	}

	d.logger.InfoContext(
		ctx,
		"admin xp adjustment",
		"guild_id", i.GuildID,
		"target_user_id", target.ID,
		"admin_user_id", i.Member.User.ID,
		"kind", string(kind),
		"amount", amount,
	)

	embed := &discordgo.MessageEmbed{
		Title: "XP adjusted",
		Description: fmt.Sprintf(
			"Applied %+.1f %s XP to %s", amount, kind, target.Username,
		),
		Color: discordAdminEmbedColor,
	}
	return respondEmbed(s, i, embed)
}

func (d *Discord) respondVoiceStats(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	target *discordgo.User,
) error {
	meta, err := d.z.store.GetVoiceMeta(ctx, i.GuildID, target.ID)
	if err != nil {
		return err
	}

	groupLines := fmt.Sprintf(
		"solo: %s (%s)\n2-3: %s (%s)\n4-6: %s (%s)\n7+: %s (%s)",
		formatMinutes(meta.SoloTime), percentOf(meta.SoloTime, meta.TotalTime),
		formatMinutes(meta.SmallGroupTime), percentOf(meta.SmallGroupTime, meta.TotalTime),
		formatMinutes(meta.MidGroupTime), percentOf(meta.MidGroupTime, meta.TotalTime),
		formatMinutes(meta.BigGroupTime), percentOf(meta.BigGroupTime, meta.TotalTime),
	)

	quadrant := func(from, to int) float64 {
		total := 0.0
		for h := from; h < to; h++ {
			total += meta.HourBuckets[h]
		}
		return total
	}
	hourLines := fmt.Sprintf(
		"00-06: %s\n06-12: %s\n12-18: %s\n18-24: %s",
		formatMinutes(quadrant(0, 6)),
		formatMinutes(quadrant(6, 12)),
		formatMinutes(quadrant(12, 18)),
		formatMinutes(quadrant(18, 24)),
	)

	type pair struct {
		userID  string
		minutes float64
	}
	pairs := make([]pair, 0, len(meta.PairTime))
	for uid, minutes := range meta.PairTime {
		pairs = append(pairs, pair{userID: uid, minutes: minutes})
	}
	sort.Slice(
		pairs, func(a, b int) bool {
			if pairs[a].minutes != pairs[b].minutes {
				return pairs[a].minutes > pairs[b].minutes
			}
			return pairs[a].userID < pairs[b].userID
		},
	)
	if len(pairs) > voiceStatsTopPairs {
		pairs = pairs[:voiceStatsTopPairs]
	}
	var pairSB strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&pairSB, "<@%s>: %s\n", p.userID, formatMinutes(p.minutes))
	}
	if pairSB.Len() == 0 {
		pairSB.WriteString("nobody yet")
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Voice statistics: %s", target.Username),
		Color: discordAdminEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Total",
				Value: fmt.Sprintf(
					"%s (muted %s, largest call %d)",
					formatMinutes(meta.TotalTime),
					formatMinutes(meta.MutedTime),
					meta.MaxMemberCount,
				),
			},
			{Name: "By group size", Value: groupLines},
			{Name: "By time of day", Value: hourLines},
			{Name: "Most time with", Value: pairSB.String()},
		},
	}
	return respondEmbed(s, i, embed)
}

// gatewayPresenceSource reads voice presence from the discordgo session
// state cache.
type gatewayPresenceSource struct {
	session *discordgo.Session
}

var _ PresenceSource = (*gatewayPresenceSource)(nil)

func (g *gatewayPresenceSource) GuildIDs() []string {
	g.session.State.RLock()
	defer g.session.State.RUnlock()
	ids := make([]string, 0, len(g.session.State.Guilds))
	for _, guild := range g.session.State.Guilds {
		ids = append(ids, guild.ID)
	}
	return ids
}

func (g *gatewayPresenceSource) VoiceRooms(guildID string) []VoiceRoom {
	g.session.State.RLock()
	defer g.session.State.RUnlock()

	var guild *discordgo.Guild
	for _, sg := range g.session.State.Guilds {
		if sg.ID == guildID {
			guild = sg
			break
		}
	}
	if guild == nil {
		return nil
	}

	parents := make(map[string]string, len(guild.Channels))
	for _, ch := range guild.Channels {
		parents[ch.ID] = ch.ParentID
	}
	bots := make(map[string]bool, len(guild.Members))
	for _, m := range guild.Members {
		if m.User != nil {
			bots[m.User.ID] = m.User.Bot
		}
	}

	rooms := map[string]*VoiceRoom{}
	var order []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == "" {
			continue
		}
		room, ok := rooms[vs.ChannelID]
		if !ok {
			room = &VoiceRoom{
				ChannelID:  vs.ChannelID,
				CategoryID: parents[vs.ChannelID],
			}
			rooms[vs.ChannelID] = room
			order = append(order, vs.ChannelID)
		}
		room.Members = append(
			room.Members, RoomMember{
				UserID:   vs.UserID,
				Bot:      bots[vs.UserID],
				SelfMute: vs.SelfMute,
				SelfDeaf: vs.SelfDeaf,
				Mute:     vs.Mute,
				Deaf:     vs.Deaf,
			},
		)
	}

	out := make([]VoiceRoom, 0, len(order))
	for _, id := range order {
		out = append(out, *rooms[id])
	}
	return out
}
