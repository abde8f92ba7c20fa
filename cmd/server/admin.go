package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dressup/tryon-engine/config"
	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/ledger"
)

func init() {
	rootCmd.AddCommand(couponCmd)
	couponCmd.AddCommand(couponCreateCmd)
	couponCmd.AddCommand(couponListCmd)
	couponCmd.AddCommand(couponDeleteCmd)
	rootCmd.AddCommand(balanceCmd)

	couponCreateCmd.Flags().Int64("credits", 0, "Credits granted per redemption")
	couponCreateCmd.Flags().Int64("limit", 1, "Total redemptions allowed")
	couponCreateCmd.Flags().String("expires", "", "Expiry date (YYYY-MM-DD, inclusive) or RFC 3339")
	couponCreateCmd.Flags().String("description", "", "Description shown to admins")
	_ = couponCreateCmd.MarkFlagRequired("credits")

	balanceCmd.Flags().Int("limit", 20, "Number of ledger entries to show")
}

// errEphemeralStore rejects admin commands whose writes would vanish on exit.
var errEphemeralStore = errors.New("coupon and balance commands need a persistent store: set DB_DRIVER to sqlite or postgres")

func buildAdminServices(cmd *cobra.Command) (*services, error) {
	if cfg.Store.Driver == config.DriverMemory {
		return nil, errEphemeralStore
	}
	return buildServices(cmd.Context(), cfg)
}

var couponCmd = &cobra.Command{
	Use:   "coupon",
	Short: "Manage coupons",
	Long:  `Create, list and delete coupons directly against the store, as the system principal.`,
}

var couponCreateCmd = &cobra.Command{
	Use:   "create CODE",
	Short: "Create a coupon",
	Args:  cobra.ExactArgs(1),
	RunE:  runCouponCreate,
}

func runCouponCreate(cmd *cobra.Command, args []string) error {
	credits, _ := cmd.Flags().GetInt64("credits")
	limit, _ := cmd.Flags().GetInt64("limit")
	expires, _ := cmd.Flags().GetString("expires")
	description, _ := cmd.Flags().GetString("description")

	expiresAt, err := coupon.ParseExpiry(expires)
	if err != nil {
		return err
	}

	svc, err := buildAdminServices(cmd)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	c, err := svc.coupons.Create(cmd.Context(), coupon.SystemPrincipal, coupon.NewCoupon{
		Code:        args[0],
		Credits:     credits,
		UsageLimit:  limit,
		ExpiresAt:   expiresAt,
		Description: description,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created coupon %s (%s): %d credits, %d uses\n", c.Code, c.ID, c.Credits, c.UsageLimit)
	return nil
}

var couponListCmd = &cobra.Command{
	Use:   "list",
	Short: "List coupons",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildAdminServices(cmd)
		if err != nil {
			return err
		}
		defer svc.store.Close()

		coupons, err := svc.coupons.List(cmd.Context(), coupon.SystemPrincipal)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCODE\tCREDITS\tUSED\tEXPIRES\tSTATUS")
		for _, c := range coupons {
			expiry := "-"
			if c.ExpiresAt != nil {
				expiry = c.ExpiresAt.Format(time.DateOnly)
			}
			status := "active"
			switch {
			case c.Expired(now):
				status = "expired"
			case c.Exhausted():
				status = "exhausted"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n", c.ID, c.Code, c.Credits, c.UsageCount, c.UsageLimit, expiry, status)
		}
		return w.Flush()
	},
}

var couponDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a coupon (redemption history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildAdminServices(cmd)
		if err != nil {
			return err
		}
		defer svc.store.Close()

		if err := svc.coupons.Delete(cmd.Context(), coupon.SystemPrincipal, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted coupon %s\n", args[0])
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show an account's balance and recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		id := ledger.AccountID(args[0])

		svc, err := buildAdminServices(cmd)
		if err != nil {
			return err
		}
		defer svc.store.Close()

		b, err := svc.ledger.Balance(cmd.Context(), id)
		if errors.Is(err, ledger.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "account %s has no balance yet\n", id)
			return nil
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account:         %s\n", b.AccountID)
		fmt.Fprintf(out, "credits:         %d\n", b.Credits)
		fmt.Fprintf(out, "total generated: %d\n", b.TotalGenerated)
		fmt.Fprintf(out, "regenerations:   %d\n", b.Regenerations)

		entries, err := svc.ledger.History(cmd.Context(), id, limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nWHEN\tKIND\tDELTA\tBALANCE\tREASON")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Delta, e.BalanceAfter, e.Reason)
		}
		return w.Flush()
	},
}
