package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ostrane/tracedeck/config"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/sop"
	"github.com/ostrane/tracedeck/sym"
)

// SOPCmd represents the sop command - SOP library operations
var SOPCmd = &cobra.Command{
	Use:   "sop",
	Short: sym.SOP + " Browse the SOP library",
	Long: sym.SOP + ` SOPs - browse and sync the standard operating procedure library.

SOP commands:
  tracedeck sop list             # Print the document tree
  tracedeck sop read <path>      # Render a document in the terminal
  tracedeck sop sync             # Pull the library's git remote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// SOPListCmd prints the document tree
var SOPListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the SOP document tree",
	Long: `Walk the configured SOP library and print its document tree.
Only markdown files appear; hidden entries are skipped.

Example:
  tracedeck sop list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSOPList(cmd)
	},
}

// SOPReadCmd renders one document
var SOPReadCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Render an SOP document in the terminal",
	Long: `Read a document from the SOP library and render its markdown body.
The path is relative to the library root, as printed by 'sop list'.

Examples:
  tracedeck sop read deploy.md
  tracedeck sop read ops/rotate-keys.md --raw`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		return runSOPRead(cmd, args[0], raw)
	},
}

// SOPSyncCmd pulls the library's git remote
var SOPSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the SOP library from its git remote",
	Long: `Pull the SOP library's git remote into the configured path,
cloning on first run. The remote comes from the [sop] config section
unless overridden with --remote.

Examples:
  tracedeck sop sync
  tracedeck sop sync --remote https://github.com/acme/sops.git`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		return runSOPSync(cmd, remote)
	},
}

func init() {
	SOPReadCmd.Flags().Bool("raw", false, "Print the raw markdown without rendering")
	SOPSyncCmd.Flags().String("remote", "", "Git remote URL (defaults to [sop] git_remote)")

	SOPCmd.AddCommand(SOPListCmd)
	SOPCmd.AddCommand(SOPReadCmd)
	SOPCmd.AddCommand(SOPSyncCmd)
}

// sopStore resolves the configured library path into a store.
func sopStore(cfg *config.Config) (*sop.Store, error) {
	if cfg.SOP.Path == "" {
		return nil, errors.NewInvalidRequestError("sop library path not configured; set path under [sop]")
	}
	return sop.NewStore(cfg.SOP.Path), nil
}

// runSOPList prints the library tree.
func runSOPList(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := sopStore(cfg)
	if err != nil {
		return err
	}

	root, err := store.Tree()
	if err != nil {
		return errors.Wrap(err, "failed to walk sop library")
	}
	if len(root.Children) == 0 {
		fmt.Printf("%s SOP library is empty (%s)\n", sym.SOP, store.Root())
		pterm.Info.Println("Populate it with: tracedeck sop sync")
		return nil
	}

	rendered, err := pterm.DefaultTree.WithRoot(toSOPTreeNode(root)).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render sop tree")
	}
	fmt.Print(rendered)
	fmt.Printf("\nTotal: %d document(s)\n", countDocuments(root))
	return nil
}

func toSOPTreeNode(e *sop.Entry) pterm.TreeNode {
	text := e.Name
	if e.IsDir {
		text = pterm.Bold.Sprint(e.Name + "/")
	}
	node := pterm.TreeNode{Text: text}
	for _, child := range e.Children {
		node.Children = append(node.Children, toSOPTreeNode(child))
	}
	return node
}

func countDocuments(e *sop.Entry) int {
	if !e.IsDir {
		return 1
	}
	total := 0
	for _, child := range e.Children {
		total += countDocuments(child)
	}
	return total
}

// runSOPRead renders one document's body, front matter stripped.
func runSOPRead(cmd *cobra.Command, relPath string, raw bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := sopStore(cfg)
	if err != nil {
		return err
	}

	doc, err := store.Read(relPath)
	if err != nil {
		return errors.Wrap(err, "failed to read sop document")
	}

	printSOPMetadata(doc)
	if raw {
		fmt.Println(doc.Body)
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// Plain text beats no text when the terminal profile is hostile.
		fmt.Println(doc.Body)
		return nil
	}
	rendered, err := renderer.Render(doc.Body)
	if err != nil {
		fmt.Println(doc.Body)
		return nil
	}
	fmt.Print(rendered)
	return nil
}

func printSOPMetadata(doc *sop.Document) {
	meta := doc.Metadata
	if meta.Title != "" {
		fmt.Printf("%s %s\n", sym.SOP, pterm.Bold.Sprint(meta.Title))
	} else {
		fmt.Printf("%s %s\n", sym.SOP, doc.Path)
	}
	if meta.Description != "" {
		fmt.Printf("  %s\n", meta.Description)
	}
	if meta.Version != "" {
		fmt.Printf("  Version: %s\n", meta.Version)
	}
	if len(meta.Tags) > 0 {
		fmt.Printf("  Tags:    %s\n", strings.Join(meta.Tags, ", "))
	}
	fmt.Println()
}

// runSOPSync pulls (or first clones) the library's git remote.
func runSOPSync(cmd *cobra.Command, remoteFlag string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := sopStore(cfg)
	if err != nil {
		return err
	}

	remote := firstNonEmpty(remoteFlag, cfg.SOP.GitRemote)
	if remote == "" {
		return errors.NewInvalidRequestError("no git remote; set git_remote under [sop] or pass --remote")
	}

	spinner, _ := pterm.DefaultSpinner.Start("Syncing SOP library from " + remote)
	err = store.Sync(cmd.Context(), remote)
	if err != nil {
		if spinner != nil {
			spinner.Fail("SOP sync failed")
		}
		return errors.Wrap(err, "failed to sync sop library")
	}
	if spinner != nil {
		spinner.Success("SOP library synced to " + store.Root())
	}
	return nil
}
