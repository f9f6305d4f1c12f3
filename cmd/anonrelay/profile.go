package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/telegram"
)

// newProfileCmd performs the one-time localized profile setup for the main
// bot: name, descriptions and command menu per catalog language. Run it once
// after creating the bot with BotFather.
func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Apply the main bot's localized name, descriptions and commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(viper.GetString("main_bot.token"))
			if token == "" {
				return errors.New("missing main_bot.token (set via config or ANONRELAY_MAIN_BOT_TOKEN)")
			}
			ctx := cmd.Context()
			client := telegram.NewClient(nil, "", token)

			me, err := client.GetMe(ctx)
			if err != nil {
				return err
			}

			for _, lang := range responses.Languages() {
				code := lang
				if lang == responses.DefaultLang {
					code = ""
				}
				if err := client.SetMyName(ctx, responses.Text(lang, responses.BotName, nil), code); err != nil {
					return err
				}
				if err := client.SetMyDescription(ctx, responses.Text(lang, responses.BotDescription, nil), code); err != nil {
					return err
				}
				if err := client.SetMyShortDescription(ctx, responses.Text(lang, responses.BotShortDescription, nil), code); err != nil {
					return err
				}
				commands := make([]telegram.BotCommand, 0, 8)
				for _, c := range responses.Commands(lang, "dispatcher") {
					commands = append(commands, telegram.BotCommand{Command: c.Command, Description: c.Description})
				}
				if err := client.SetMyCommands(ctx, commands, code); err != nil {
					return err
				}
				cmd.Printf("applied profile for %q (bot @%s)\n", lang, me.Username)
			}
			return nil
		},
	}
	return cmd
}
