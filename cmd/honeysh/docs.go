package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

// docGenerators write the command tree in one output format.
var docGenerators = map[string]func(root *cobra.Command, dir string) error{
	"man": func(root *cobra.Command, dir string) error {
		return doc.GenManTree(root, &doc.GenManHeader{
			Title:   "HONEYSH",
			Section: "8",
			Manual:  "System Manager's Manual",
			Source:  "honeysh " + version,
		}, dir)
	},
	"markdown": doc.GenMarkdownTree,
	"rest":     doc.GenReSTTree,
	"yaml":     doc.GenYamlTree,
}

func docFormats() string {
	names := make([]string, 0, len(docGenerators))
	for name := range docGenerators {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

var docsCmd = &cobra.Command{
	Use:    "gen-docs",
	Short:  "Write reference pages for every honeysh command",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE:   runGenDocs,
}

func init() {
	docsCmd.Flags().String("dir", "docs", "output directory")
	docsCmd.Flags().String("format", "man", "output format ("+docFormats()+")")
}

func runGenDocs(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")       //nolint:errcheck // flag name is hardcoded
	format, _ := cmd.Flags().GetString("format") //nolint:errcheck // flag name is hardcoded

	gen, ok := docGenerators[format]
	if !ok {
		return fmt.Errorf("unknown format %q (one of %s)", format, docFormats())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	root := cmd.Root()
	// Generated pages are committed; the dated footer would churn them.
	root.DisableAutoGenTag = true
	if err := gen(root, dir); err != nil {
		return fmt.Errorf("generate %s docs: %w", format, err)
	}
	return nil
}
