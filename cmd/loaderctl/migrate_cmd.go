package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/database"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply all migrations, or revert the latest one",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(database.Up), string(database.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := database.Direction(args[0])
			if dir != database.Up && dir != database.Down {
				return fmt.Errorf("unknown direction %q: use up or down", args[0])
			}
			return database.Migrate(cfg.Database.URL, dir)
		},
	}
	return cmd
}
