package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stoik/guardian/services/guardian-service/internal/intake"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

var processCmd = &cobra.Command{
	Use:   "process EMAIL",
	Short: "Process one user's new mail now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		user, err := svc.store.GetUserByEmail(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no user with address %s", args[0])
		}
		if err != nil {
			return err
		}

		started := time.Now().UTC()
		summary, err := svc.processor.ProcessNewEmails(ctx, user)
		if err != nil {
			return err
		}
		if err := svc.store.UpdateUserLastEmailCheck(ctx, user.ID, started); err != nil {
			return fmt.Errorf("failed to advance watermark: %w", err)
		}

		fmt.Printf("Processed %d message(s) since %s\n", summary.Listed, summary.Since.Format(time.RFC3339))
		var kinds []intake.Disposition
		for d := range summary.Counts {
			kinds = append(kinds, d)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Printf("  %-18s %d\n", k, summary.Counts[k])
		}
		if summary.Resumed > 0 {
			fmt.Printf("  %-18s %d\n", "resumed", summary.Resumed)
		}
		if summary.Failed > 0 {
			fmt.Printf("  %-18s %d\n", "failed", summary.Failed)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Confirm a payment by hand",
	Long:  "Applies a payment as if the provider had confirmed it: whitelists the sender and releases held mail",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		flags := cmd.Flags()
		sender, _ := flags.GetString("sender")
		target, _ := flags.GetString("target")
		session, _ := flags.GetString("session")
		link, _ := flags.GetString("link")

		n := payment.Notification{
			Type:          payment.EventPaymentSucceeded,
			SessionID:     session,
			PaymentLinkID: link,
			Metadata:      map[string]string{},
		}
		if sender != "" {
			n.Metadata[models.MetaSenderEmail] = sender
		}
		if target != "" {
			n.Metadata[models.MetaTargetEmail] = target
		}

		out, err := svc.reconciler.Reconcile(ctx, n)
		if err != nil {
			return err
		}
		fmt.Printf("Reconciled %s (%s), session %s\n", out.Sender, out.Kind, out.SessionID)
		if out.Duplicate {
			fmt.Println("  session already recorded")
		}
		fmt.Printf("  released %d message(s), %d mailbox failure(s)\n", len(out.Released), out.ReleaseFailed)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Register a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		flags := cmd.Flags()
		access, _ := flags.GetString("access-token")
		refresh, _ := flags.GetString("refresh-token")
		interval, _ := flags.GetFloat64("poll-interval")
		ai, _ := flags.GetBool("ai")
		charity, _ := flags.GetString("charity")
		if charity == "" {
			charity = svc.cfg.Donation.CharityName
		}

		email := mailbox.ExtractAddress(args[0])
		if !strings.Contains(email, "@") {
			return fmt.Errorf("invalid address %q", args[0])
		}
		u := &models.User{
			ID:                  uuid.New(),
			Email:               email,
			AccessToken:         access,
			RefreshToken:        refresh,
			PollIntervalMinutes: interval,
			UseAIResponses:      ai,
			CharityName:         charity,
		}
		if err := svc.store.CreateUser(ctx, u); err != nil {
			return err
		}
		fmt.Printf("✓ Added %s (%s), polling every %s\n", u.Email, u.ID, u.PollInterval())

		if u.HasMailbox() {
			if _, err := mailbox.EnsureLabels(ctx, svc.connector.Connect(u)); err != nil {
				svc.logger.Warn("Failed to create labels", "user", u.Email, "error", err)
			} else {
				fmt.Println("✓ Labels ready")
			}
		}
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		users, err := svc.store.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			last := "never"
			if u.LastEmailCheck != nil {
				last = u.LastEmailCheck.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-32s every %-6s last check %s mailbox=%t\n",
				u.ID, u.Email, u.PollInterval(), last, u.HasMailbox())
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("sender", "", "Sender address that paid")
	reconcileCmd.Flags().String("target", "", "Address of the user the sender wrote to")
	reconcileCmd.Flags().String("session", "", "Payment session id")
	reconcileCmd.Flags().String("link", "", "Payment link id")

	userAddCmd.Flags().String("access-token", "", "Gmail OAuth access token")
	userAddCmd.Flags().String("refresh-token", "", "Gmail OAuth refresh token")
	userAddCmd.Flags().Float64("poll-interval", models.DefaultPollIntervalMinutes, "Poll interval in minutes (0.5 to 60)")
	userAddCmd.Flags().Bool("ai", false, "Generate donation requests with AI")
	userAddCmd.Flags().String("charity", "", "Charity display name")

	userCmd.AddCommand(userAddCmd, userListCmd)
	rootCmd.AddCommand(processCmd, reconcileCmd, userCmd)
}
