package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/neuralconstruct/construct/vault"
	"github.com/spf13/cobra"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the upstream API key stored in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [key]",
			Short: "Store the API key; reads stdin when no argument is given",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runKeySet,
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the resolved API key, masked, and where it came from",
			Args:  cobra.NoArgs,
			RunE:  runKeyShow,
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the API key from the keyring",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := vault.Delete(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key removed from keyring")
				return nil
			},
		},
	)
	return cmd
}

func runKeySet(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if err := vault.Store(key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s API key stored in keyring (%s)\n", color.GreenString("✓"), vault.Mask(strings.TrimSpace(key)))
	return nil
}

func runKeyShow(cmd *cobra.Command, _ []string) error {
	key, src, err := vault.Resolve("")
	if errors.Is(err, vault.ErrNoCredential) {
		fmt.Fprintln(cmd.OutOrStdout(), "no API key configured")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (from %s)\n", vault.Mask(key), src)
	return nil
}
