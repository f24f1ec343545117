package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/ItsBonfireTime/PRIME-Multigaming-Discord-Bot/primebot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Tests swap it out.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxPasswordAttempts = 3

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database tables and set the dashboard admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("database type not set (PRIME_DATABASE_TYPE must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (PRIME_DATABASE must be a connection " +
					"string or sqlite file path)",
			)
		}

		db, err := primebot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		var runtimeConfig primebot.RuntimeConfig
		if err = db.Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("error retrieving runtime config: %w", err)
			}
			runtimeConfig = primebot.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password, promptErr := promptCredentials(cmd.InOrStdin(), out)
			if promptErr != nil {
				return promptErr
			}

			hashedPassword, hashErr := primebot.HashPassword(password)
			if hashErr != nil {
				return fmt.Errorf("error hashing password: %w", hashErr)
			}

			if err = db.Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				return fmt.Errorf("error updating admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func promptCredentials(in io.Reader, out io.Writer) (string, string, error) {
	reader := bufio.NewReader(in)

	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", errors.New("username must not be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for range maxPasswordAttempts {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		switch {
		case len(passwordBytes) == 0:
			fmt.Fprintln(out, "Password must not be empty. Please try again.")
		case string(passwordBytes) != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, string(passwordBytes), nil
		}
	}
	return "", "", fmt.Errorf("no matching password after %d attempts", maxPasswordAttempts)
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
