package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// Recipe commands edit the store directly, so they need exclusive access
// to the database file: run them before the server starts, or against a
// copy. The server answers recipe reads itself once running.
var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Manage lab recipes",
}

// recipeDocument is the YAML shape 'recipe add -f' reads.
type recipeDocument struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Compose     string `yaml:"compose,omitempty"`
	KernelImage string `yaml:"kernel_image,omitempty"`
	RootfsImage string `yaml:"rootfs_image,omitempty"`
	KernelArgs  string `yaml:"kernel_args,omitempty"`
	VCPUs       int    `yaml:"vcpus,omitempty"`
	MemoryMiB   int    `yaml:"memory_mib,omitempty"`
}

var recipeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update a recipe from a YAML file",
	Long: `Add a recipe from a YAML file. An existing recipe with the same id is
replaced; labs already provisioned keep running unchanged.

Example recipe file:

  id: apache-v1
  name: Apache intro
  compose: |
    services:
      desktop:
        image: octolab/desktop-apache:1
        ports:
          - "6080"`,
	RunE: runRecipeAdd,
}

func runRecipeAdd(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var doc recipeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	recipe := &types.Recipe{
		ID:          doc.ID,
		Name:        doc.Name,
		ComposeSpec: doc.Compose,
		KernelImage: doc.KernelImage,
		RootfsImage: doc.RootfsImage,
		KernelArgs:  doc.KernelArgs,
		VCPUs:       doc.VCPUs,
		MemoryMiB:   doc.MemoryMiB,
	}
	if err := recipe.Validate(); err != nil {
		return fmt.Errorf("invalid recipe: %w", err)
	}

	store, err := openRecipeStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.PutRecipe(recipe); err != nil {
		return fmt.Errorf("failed to save recipe: %w", err)
	}

	fmt.Printf("✓ Recipe saved: %s (%s)\n", recipe.ID, recipe.Name)
	return nil
}

var recipeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipes",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := openRecipeStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		recipes, err := store.ListRecipes()
		if err != nil {
			return err
		}
		if len(recipes) == 0 {
			fmt.Println("No recipes found")
			return nil
		}

		fmt.Printf("%-24s %-32s %s\n", "ID", "NAME", "UPDATED")
		for _, recipe := range recipes {
			fmt.Printf("%-24s %-32s %s\n",
				recipe.ID, recipe.Name, recipe.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func openRecipeStore(dataDir string) (*storage.BoltStore, error) {
	if dataDir == "" {
		dataDir = config.Load().DataDir
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store (is the server running?): %w", err)
	}
	return store, nil
}

func init() {
	recipeAddCmd.Flags().StringP("file", "f", "", "Recipe YAML file (required)")
	_ = recipeAddCmd.MarkFlagRequired("file")

	for _, c := range []*cobra.Command{recipeAddCmd, recipeListCmd} {
		c.Flags().String("data-dir", "", "Data directory (default: OCTOLAB_DATA_DIR)")
	}

	recipeCmd.AddCommand(recipeAddCmd)
	recipeCmd.AddCommand(recipeListCmd)
	rootCmd.AddCommand(recipeCmd)
}
