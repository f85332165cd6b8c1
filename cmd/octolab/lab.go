package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/client"
)

// Lab commands
var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Manage labs",
}

var labCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Request a new lab",
	Long: `Request a lab for an owner. The server answers as soon as the row
exists; provisioning runs in the background. Poll with 'octolab lab get'
until the lab reports READY and a connection URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		recipe, _ := cmd.Flags().GetString("recipe")
		intent, _ := cmd.Flags().GetString("intent")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		lab, err := c.CreateLab(ctx, owner, recipe, intent)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Lab created: %s\n", lab.ID)
		fmt.Printf("  Status: %s\n", lab.Status)
		fmt.Printf("  Runtime: %s\n", lab.Runtime)
		fmt.Printf("  Expires: %s\n", lab.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var labListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's labs",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		labs, err := c.ListLabs(ctx, owner)
		if err != nil {
			return err
		}
		if len(labs) == 0 {
			fmt.Println("No labs found")
			return nil
		}

		fmt.Printf("%-38s %-13s %-9s %-6s %s\n", "ID", "STATUS", "RUNTIME", "PORT", "EXPIRES")
		for _, lab := range labs {
			port := "-"
			if lab.Port != 0 {
				port = fmt.Sprintf("%d", lab.Port)
			}
			fmt.Printf("%-38s %-13s %-9s %-6s %s\n",
				lab.ID, lab.Status, lab.Runtime, port, lab.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var labGetCmd = &cobra.Command{
	Use:   "get LAB_ID",
	Short: "Show one lab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		lab, err := c.GetLab(ctx, owner, args[0])
		if err != nil {
			return err
		}
		printLab(lab)
		return nil
	},
}

var labStopCmd = &cobra.Command{
	Use:   "stop LAB_ID",
	Short: "Request teardown of a lab",
	Long: `Move a lab into ENDING. Teardown itself runs in the background; the
lab reaches FINISHED once the worker has verified every resource is
gone, or FAILED if something survived.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		lab, err := c.StopLab(ctx, owner, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("✓ Teardown requested: %s (status %s)\n", lab.ID, lab.Status)
		return nil
	},
}

func printLab(lab *client.Lab) {
	fmt.Printf("ID:        %s\n", lab.ID)
	fmt.Printf("Status:    %s\n", lab.Status)
	fmt.Printf("Runtime:   %s\n", lab.Runtime)
	if lab.Port != 0 {
		fmt.Printf("Port:      %d\n", lab.Port)
	}
	if lab.ConnectionURL != "" {
		fmt.Printf("URL:       %s\n", lab.ConnectionURL)
	}
	if lab.FailureReason != "" {
		fmt.Printf("Failure:   %s\n", lab.FailureReason)
	}
	fmt.Printf("Created:   %s\n", lab.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Expires:   %s\n", lab.ExpiresAt.Format(time.RFC3339))
	if lab.FinishedAt != nil {
		fmt.Printf("Finished:  %s\n", lab.FinishedAt.Format(time.RFC3339))
	}

	fmt.Printf("Evidence:  %s", lab.Evidence.State)
	if lab.Evidence.TerminalLogs > 0 || lab.Evidence.PcapFiles > 0 {
		fmt.Printf(" (%d terminal logs, %d pcaps)", lab.Evidence.TerminalLogs, lab.Evidence.PcapFiles)
	}
	fmt.Println()

	for k, v := range lab.RuntimeMeta {
		fmt.Printf("  %s: %s\n", k, v)
	}
}

func init() {
	labCmd.AddCommand(labCreateCmd)
	labCmd.AddCommand(labListCmd)
	labCmd.AddCommand(labGetCmd)
	labCmd.AddCommand(labStopCmd)
	rootCmd.AddCommand(labCmd)

	for _, c := range []*cobra.Command{labCreateCmd, labListCmd, labGetCmd, labStopCmd} {
		c.Flags().String("owner", "", "Owner the request acts for (required)")
		_ = c.MarkFlagRequired("owner")
	}

	labCreateCmd.Flags().String("recipe", "", "Recipe ID to provision from (required)")
	labCreateCmd.Flags().String("intent", "", "Opaque intent payload recorded on the lab")
	_ = labCreateCmd.MarkFlagRequired("recipe")
}
