package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/llm-gateway/repositories/sqlstore"
	"github.com/upb/llm-gateway/services/auth"
	"github.com/upb/llm-gateway/services/password"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword
var readPassword = term.ReadPassword

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "create <username>",
		Short:   "Create a user, prompting for the password.",
		Example: "api-gateway user create alice",
		Args:    cobra.ExactArgs(1),
		RunE:    runUserCreate,
	})
	return cmd
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	secret, err := promptNewPassword(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer secret.Wipe()

	cfg, err := loadDatabaseConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	factory, err := sqlstore.NewRepositoryFactory(cmd.Context(), cfg.Database, logger)
	if err != nil {
		return err
	}
	defer factory.Close()

	hasher, err := password.NewHasher(password.Params{
		Memory:      uint32(cfg.Hash.MemoryKiB),
		Iterations:  uint32(cfg.Hash.Iterations),
		Parallelism: uint8(cfg.Hash.Parallelism),
		SaltLength:  password.DefaultParams().SaltLength,
		KeyLength:   password.DefaultParams().KeyLength,
	})
	if err != nil {
		return err
	}

	// Registration never issues tokens
	accounts := auth.NewService(factory.NewRepositories(), hasher, nil, cfg.Auth.RefreshTokenTTL, logger)
	user, err := accounts.Register(cmd.Context(), args[0], secret)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Username, user.ID)
	return nil
}

// promptNewPassword reads the password twice without echo
func promptNewPassword(w io.Writer) (password.Secret, error) {
	fd := int(os.Stdin.Fd())

	fmt.Fprint(w, "Password: ")
	first, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}

	fmt.Fprint(w, "Repeat password: ")
	second, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		password.Secret(first).Wipe()
		return nil, fmt.Errorf("read password: %w", err)
	}
	defer password.Secret(second).Wipe()

	if !bytes.Equal(first, second) {
		password.Secret(first).Wipe()
		return nil, errors.New("passwords do not match")
	}
	return password.Secret(first), nil
}
