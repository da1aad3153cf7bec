package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const introText = `Welcome to blelink.

  blelink scan                     find nearby peripherals
  blelink connect <addr> --listen  talk to one of them
  blelink records list             review saved responses

Run "blelink intro --skip" to stop showing this message.`

func newIntroCmd() *cobra.Command {
	var skip, reset bool

	cmd := &cobra.Command{
		Use:   "intro",
		Short: "Show the introduction, or choose whether it is shown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if skip && reset {
				return fmt.Errorf("--skip and --reset are mutually exclusive")
			}

			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			store, err := openPrefs(cfg)
			if err != nil {
				return err
			}

			switch {
			case skip:
				if err := store.SetSkipIntro(true); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Introduction will no longer be shown")
			case reset:
				if err := store.SetSkipIntro(false); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Introduction will be shown again")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), introText)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skip, "skip", false, "Stop showing the introduction before commands")
	cmd.Flags().BoolVar(&reset, "reset", false, "Show the introduction before commands again")

	return cmd
}

// showIntro prints the introduction to stderr before any command until the
// user skips it. Preference errors never block the command itself.
func showIntro(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "intro" {
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil
	}
	store, err := openPrefs(cfg)
	if err != nil || store.SkipIntro() {
		return nil
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n\n", introText)
	return nil
}
