package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stoik/guardian/services/guardian-service/internal/config"
	"github.com/stoik/guardian/services/guardian-service/internal/db"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the database schema",
	Long:  "Creates the ledger tables and indexes. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}

		fmt.Println("Running migrations...")
		switch cfg.Database.Driver {
		case "sqlite":
			st, err := store.NewSQLite(cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			defer st.Close()
		default:
			if err := db.Init(ctx, cfg.Database.URL, poolOptions(cfg)); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		fmt.Printf("✓ Database setup complete (%s)\n", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
