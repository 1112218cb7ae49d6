package main

import (
	"fmt"

	"livescore-dash/internal/market"
	"livescore-dash/internal/projector"
	"livescore-dash/internal/settlement"

	"github.com/spf13/cobra"
)

const (
	tickFlagName  = "tick"
	localFlagName = "local"
	bidFlagName   = "bid"
	askFlagName   = "ask"
)

func init() {
	startCmd.Flags().String(tickFlagName, "", "tick size for the new market")
	_ = startCmd.MarkFlagRequired(tickFlagName)
	settleCmd.Flags().Bool(localFlagName, false, "settle the fetched trade list locally without calling the server")
	quoteCmd.Flags().String(bidFlagName, "", "bid price")
	quoteCmd.Flags().String(askFlagName, "", "ask price")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the current order book and trade tape",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		state, err := e.api.State(cmd.Context())
		if err != nil {
			return err
		}
		e.console.RenderBook(projector.Project(state.Book, e.cfg.Book.BadgeThreshold), false)
		entries := make([]projector.TapeEntry, len(state.TradeList))
		for i, t := range state.TradeList {
			entries[i] = projector.TapeEntryFor(t, e.cfg.Trader.Name)
		}
		e.console.RenderTrades(entries)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a new market with the given tick size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		tick, err := cmd.Flags().GetString(tickFlagName)
		if err != nil {
			return err
		}
		location, err := e.actions().Start(cmd.Context(), tick)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "market started, dashboard at %s\n", location)
		return nil
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle PRICE",
	Short: "Settle the market at PRICE and print profit and loss",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		local, err := cmd.Flags().GetBool(localFlagName)
		if err != nil {
			return err
		}
		if !local {
			res, err := e.actions().Settle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			e.console.RenderSettlement(res)
			return nil
		}

		price, err := market.ParsePositive("price", args[0])
		if err != nil {
			return err
		}
		state, err := e.api.State(cmd.Context())
		if err != nil {
			return err
		}
		res, err := settlement.Settle(state.TradeList, price)
		if err != nil {
			return err
		}
		e.console.RenderSettlement(res)
		return nil
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Submit a bid and ask as the configured participant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		bid, err := cmd.Flags().GetString(bidFlagName)
		if err != nil {
			return err
		}
		ask, err := cmd.Flags().GetString(askFlagName)
		if err != nil {
			return err
		}
		return e.actions().Quote(cmd.Context(), bid, ask)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a file to the market",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		return e.actions().Upload(cmd.Context(), args[0])
	},
}
