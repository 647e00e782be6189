package cmd

import (
	"github.com/kalkafox/discordgpt/discordgpt"
	"github.com/spf13/cobra"
	"log"
)

var (
	registerCommands bool

	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the discord bot and the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if registerCommands {
				cfg.Discord.RegisterCommands = true
			}
			bot, err := discordgpt.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	runCmd.Flags().BoolVar(
		&registerCommands,
		"register-commands",
		false,
		"Overwrite the bot's slash commands on startup",
	)
	rootCmd.AddCommand(runCmd)
}
