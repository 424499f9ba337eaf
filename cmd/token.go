package cmd

import (
	"fmt"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/config"
	"github.com/USA-RedDragon/lms-realtime/internal/db"
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/USA-RedDragon/lms-realtime/internal/utils"
	"github.com/spf13/cobra"
)

const (
	tokenUserKey = "user"
	tokenTTLKey  = "ttl"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "token",
		Short:         "Print a JWT for a user, creating the user if needed",
		RunE:          runToken,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd)
	cmd.Flags().String(tokenUserKey, "", "User name")
	cmd.Flags().Duration(tokenTTLKey, 24*time.Hour, "Token lifetime, 0 never expires")
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	config, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	name, err := cmd.Flags().GetString(tokenUserKey)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if name == "" {
		return fmt.Errorf("--%s is required", tokenUserKey)
	}
	ttl, err := cmd.Flags().GetDuration(tokenTTLKey)
	if err != nil {
		return fmt.Errorf("failed to get ttl: %w", err)
	}

	database, err := db.MakeDB(config)
	if err != nil {
		return fmt.Errorf("failed to make database: %w", err)
	}
	defer func() {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	user, err := models.FindOrCreateUser(database, name)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	token, err := utils.GenerateJWT(config.JWT.Secret, user.ID, ttl)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
