package discordgpt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"time"
	"unicode/utf8"
)

type commandOptionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

// commandOptions indexes a slash command's options by name. Options the
// user left out are missing from the map.
func commandOptions(i *discordgo.InteractionCreate) commandOptionMap {
	opts := i.ApplicationCommandData().Options
	m := make(commandOptionMap, len(opts))
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}

// adminTLSConfig loads the admin API's certificate. A nil config means
// the API is served over plain HTTP.
func adminTLSConfig(ssl SSLConfig) (*tls.Config, error) {
	if ssl.Cert == "" && ssl.Key == "" {
		return nil, nil
	}
	if ssl.Cert == "" || ssl.Key == "" {
		return nil, errors.New("api.ssl.cert and api.ssl.key must be set together")
	}
	cert, err := tls.LoadX509KeyPair(ssl.Cert, ssl.Key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   ssl.TLSMinVersion,
	}, nil
}

// logPreview keeps the first n runes of message content for log lines,
// marking anything cut off with an ellipsis
func logPreview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

// formatElapsed is the "Took ..." footer on rendered replies
func formatElapsed(d time.Duration) string {
	seconds := int(d / time.Second)
	if minutes := seconds / 60; minutes > 0 {
		return fmt.Sprintf("%d minutes and %d seconds", minutes, seconds%60)
	}
	return fmt.Sprintf("%d seconds", seconds)
}
