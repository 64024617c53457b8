package ircd

import (
	"fmt"
	"strings"
)

// Welcome numerics, spec.md §6.
const (
	RplWelcome  = 1
	RplYourHost = 2
	RplCreated  = 3
	RplMyInfo   = 4
	RplISupport = 5
)

// Identity is the fixed information the welcome burst and ISUPPORT
// lines need about this node, resolved once at startup from
// internal/config's Global section.
type Identity struct {
	ServerName string
	Network    string
	Version    string
	Created    string // human-readable build/start timestamp text
}

// ISupportParams is everything ISupportTokens needs to render the
// token list of spec.md §6, sourced from the mode registries, the
// active charmap, and the class/privilege-set resolving the
// connecting client.
type ISupportParams struct {
	ChanModesToken string // modes.ChannelModeRegistry.ChanModesToken(), e.g. "CHANMODES=b,k,l,imnpst"
	PrefixToken    string // modes.ChannelModeRegistry.PrefixToken(), e.g. "PREFIX=(ov)@+"
	Network        string
	NickLen        int
	ChannelLen     int
	MaxChannels    int
	WatchLen       int // 0 when the watch addon is absent
}

// ISupportTokens renders the required ISUPPORT token set, per
// spec.md §6. CASEMAPPING is hard-coded to "ascii" regardless of the
// configured charmap (spec.md §9's open question, resolved in
// DESIGN.md: kept literal since no example repo's ISUPPORT renderer
// derives it from a runtime charmap either).
func ISupportTokens(p ISupportParams) []string {
	tokens := []string{
		p.PrefixToken,
		p.ChanModesToken,
		"CHANTYPES=#",
		"CASEMAPPING=ascii",
		"NETWORK=" + p.Network,
		fmt.Sprintf("NICKLEN=%d", p.NickLen),
		fmt.Sprintf("CHANNELLEN=%d", p.ChannelLen),
		fmt.Sprintf("MAXCHANNELS=%d", p.MaxChannels),
	}
	if p.WatchLen > 0 {
		tokens = append(tokens, fmt.Sprintf("WATCH=%d", p.WatchLen))
	}
	return tokens
}

// ISupportLines chunks tokens into one or more numeric 005 lines,
// 13 tokens per line (the conventional RFC2812-derived ceiling that
// keeps a line safely under the 512-byte wire limit alongside a
// worst-case nick and server name), each carrying the trailing
// "are supported by this server" text.
func ISupportLines(serverName, nick string, tokens []string) []string {
	const perLine = 13
	var lines []string
	for i := 0; i < len(tokens); i += perLine {
		end := i + perLine
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[i:end]
		args := append(append([]string{}, chunk...), "are supported by this server")
		lines = append(lines, NumericLine(serverName, RplISupport, nick, args...))
	}
	return lines
}

// WelcomeBurst renders numerics 001-005 for a freshly-registered
// client: the standard greeting (001-003), a MYINFO summary (004),
// and the chunked ISUPPORT lines (005), per spec.md §4.1's
// registration-complete paragraph and §6's numeric list.
func WelcomeBurst(id Identity, userModes, chanModes string, nick, mask string, isupport ISupportParams) []string {
	lines := []string{
		NumericLine(id.ServerName, RplWelcome, nick,
			fmt.Sprintf("Welcome to the %s Internet Relay Chat Network %s", id.Network, mask)),
		NumericLine(id.ServerName, RplYourHost, nick,
			fmt.Sprintf("Your host is %s, running version %s", id.ServerName, id.Version)),
		NumericLine(id.ServerName, RplCreated, nick,
			fmt.Sprintf("This server was created %s", id.Created)),
		NumericLine(id.ServerName, RplMyInfo, nick,
			strings.Join([]string{id.ServerName, id.Version, userModes, chanModes}, " ")),
	}
	lines = append(lines, ISupportLines(id.ServerName, nick, ISupportTokens(isupport))...)
	return lines
}
