package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	pollAccount      uint
	dispatchCampaign uint
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll mailboxes once",
	Long:  `Runs one poll cycle over every active account, or syncs the account given with --account.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if pollAccount == 0 {
			return a.Poller.Cycle(ctx)
		}
		res, err := a.Poller.SyncAccount(ctx, pollAccount)
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				logrus.Warn(perr)
			}
		}
		return err
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send campaigns once",
	Long:  `Sends every scheduled campaign that is due, or the campaign given with --campaign.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if dispatchCampaign == 0 {
			return a.Campaigns.DispatchDue(ctx)
		}
		summary, err := a.Campaigns.Dispatch(ctx, dispatchCampaign)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

func init() {
	pollCmd.Flags().UintVar(&pollAccount, "account", 0, "mail account id to sync")
	dispatchCmd.Flags().UintVar(&dispatchCampaign, "campaign", 0, "campaign id to send")
}
