package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/relaycore/relayer/pkg/signers"
)

// Subcommand surface: new, clone, auth, network, list, config, balance,
// allowlist, create, sign, tx.

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a fresh project seed phrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		mnemonic, err := signers.GenerateSeedPhrase()
		if err != nil {
			return err
		}
		fmt.Println("Seed phrase (store this securely, it controls every relayer key):")
		fmt.Println(mnemonic)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <chain_id> <name>",
	Short: "Create a relayer on a chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return &usageError{message: "usage: relayer create <chain_id> <name>"}
		}
		if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
			return &usageError{message: "chain_id must be an unsigned integer"}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]any
		if err := client.do("POST", "/relayers/"+args[0]+"/new", map[string]string{"name": args[1]}, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var cloneCmd = &cobra.Command{
	Use:   "clone <relayer_id> <chain_id> <name>",
	Short: "Clone a relayer's key onto another chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 3 {
			return &usageError{message: "usage: relayer clone <relayer_id> <chain_id> <name>"}
		}
		chainID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return &usageError{message: "chain_id must be an unsigned integer"}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]any
		body := map[string]any{"chain_id": chainID, "name": args[2]}
		if err := client.do("POST", "/relayers/"+args[0]+"/clone", body, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Check server credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]any
		if err := client.do("GET", "/auth/status", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var networkCmd = &cobra.Command{
	Use:   "network [enable|disable] [chain_id]",
	Short: "List or toggle networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			var out []map[string]any
			if err := client.do("GET", "/networks", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		}
		if len(args) != 2 || (args[0] != "enable" && args[0] != "disable") {
			return &usageError{message: "usage: relayer network [enable|disable] <chain_id>"}
		}
		return client.do("PUT", "/"+args[0]+"/"+args[1], nil, nil)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List relayers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out []map[string]any
		if err := client.do("GET", "/relayers", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err != nil {
			return &configError{message: "config file not found: " + configPath}
		}
		fmt.Println(configPath)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <relayer_id>",
	Short: "Show a relayer's pipeline depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return &usageError{message: "usage: relayer balance <relayer_id>"}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var pending, inmempool map[string]int
		if err := client.do("GET", "/transactions/relayers/"+args[0]+"/pending/count", nil, &pending); err != nil {
			return err
		}
		if err := client.do("GET", "/transactions/relayers/"+args[0]+"/inmempool/count", nil, &inmempool); err != nil {
			return err
		}
		printJSON(map[string]int{"pending": pending["count"], "inmempool": inmempool["count"]})
		return nil
	},
}

var allowlistCmd = &cobra.Command{
	Use:   "allowlist <relayer_id> [add|remove <address>]",
	Short: "Manage a relayer's allowlist",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &usageError{message: "usage: relayer allowlist <relayer_id> [add|remove <address>]"}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		relayerID := args[0]
		switch {
		case len(args) == 1:
			var out map[string][]string
			if err := client.do("GET", "/relayers/"+relayerID+"/allowlists", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		case len(args) == 3 && args[1] == "add":
			return client.do("POST", "/relayers/"+relayerID+"/allowlists", map[string]string{"address": args[2]}, nil)
		case len(args) == 3 && args[1] == "remove":
			return client.do("DELETE", "/relayers/"+relayerID+"/allowlists/"+args[2], nil, nil)
		}
		return &usageError{message: "usage: relayer allowlist <relayer_id> [add|remove <address>]"}
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <relayer_id> <message>",
	Short: "Sign a text message with a relayer key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return &usageError{message: "usage: relayer sign <relayer_id> <message>"}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]string
		if err := client.do("POST", "/signing/relayers/"+args[0]+"/message", map[string]string{"message": args[1]}, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var txCmd = &cobra.Command{
	Use:   "tx <get|send|cancel> ...",
	Short: "Inspect or manage transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return &usageError{message: "usage: relayer tx <get|send|cancel> ..."}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		switch args[0] {
		case "get":
			var out map[string]any
			if err := client.do("GET", "/transactions/"+args[1], nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		case "cancel":
			var out map[string]any
			if err := client.do("PUT", "/transactions/cancel/"+args[1], nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		case "send":
			if len(args) != 4 {
				return &usageError{message: "usage: relayer tx send <relayer_id> <to> <value_wei>"}
			}
			var out map[string]any
			body := map[string]string{"to": args[2], "value": args[3], "speed": "FAST"}
			if err := client.do("POST", "/transactions/relayers/"+args[1]+"/send", body, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		}
		return &usageError{message: "unknown tx subcommand: " + args[0]}
	},
}

func init() {
	rootCmd.AddCommand(newCmd, createCmd, cloneCmd, authCmd, networkCmd,
		listCmd, configCmd, balanceCmd, allowlistCmd, signCmd, txCmd)
}
