package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"gend/pkg/types"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// buildRootCmd constructs the Cobra command tree for the admin client.
func buildRootCmd() *cobra.Command {
	var server string

	root := &cobra.Command{
		Use:           "gendctl",
		Short:         "Admin client for a running gend daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("GENDCTL_SERVER", "http://127.0.0.1:8080"),
		"Base URL of the gend daemon (defaults GENDCTL_SERVER)")

	client := func() *apiClient { return newAPIClient(server) }

	statusCmd := &cobra.Command{Use: "status", Short: "Show pool and session state", RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().status()
		if err != nil {
			return err
		}
		return printJSON(st)
	}}
	root.AddCommand(statusCmd)

	backendsCmd := &cobra.Command{Use: "backends", Short: "Manage the backend pool", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("backends requires a subcommand: list|add|remove|enable|disable")
	}}

	listCmd := &cobra.Command{Use: "list", Short: "List pool backends", RunE: func(cmd *cobra.Command, args []string) error {
		list, err := client().listBackends()
		if err != nil {
			return err
		}
		return printJSON(list)
	}}

	var addType, addTitle, addAddress string
	var addDisabled bool
	addCmd := &cobra.Command{
		Use:     "add",
		Short:   "Add a backend to the pool",
		Example: "  gendctl backends add --type comfy --title workstation --address http://10.0.0.5:8188",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := client().addBackend(types.AddBackendRequest{
				Type:    addType,
				Title:   addTitle,
				Address: addAddress,
				Enabled: !addDisabled,
			})
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	addCmd.Flags().StringVar(&addType, "type", "comfy", "Registered backend type id")
	addCmd.Flags().StringVar(&addTitle, "title", "", "Human-friendly title")
	addCmd.Flags().StringVar(&addAddress, "address", "", "Backend base address, e.g. http://127.0.0.1:8188")
	addCmd.Flags().BoolVar(&addDisabled, "disabled", false, "Add the backend without enabling it")
	_ = addCmd.MarkFlagRequired("address")

	removeCmd := &cobra.Command{Use: "remove <id>", Short: "Remove a backend from the pool", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid backend id %q", args[0])
		}
		return client().removeBackend(id)
	}}

	enableCmd := &cobra.Command{Use: "enable <id>", Short: "Enable a backend", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid backend id %q", args[0])
		}
		return client().setEnabled(id, true)
	}}

	disableCmd := &cobra.Command{Use: "disable <id>", Short: "Disable a backend", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid backend id %q", args[0])
		}
		return client().setEnabled(id, false)
	}}

	backendsCmd.AddCommand(listCmd, addCmd, removeCmd, enableCmd, disableCmd)
	root.AddCommand(backendsCmd)

	interruptCmd := &cobra.Command{Use: "interrupt", Short: "Interrupt the current job on every backend", RunE: func(cmd *cobra.Command, args []string) error {
		return client().interrupt()
	}}
	root.AddCommand(interruptCmd)

	return root
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
