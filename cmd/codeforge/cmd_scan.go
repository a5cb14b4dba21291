package main

import (
	"fmt"
	"io"
	"io/fs"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"codeforge/internal/filestore"
	"codeforge/internal/fingerprint"
	"codeforge/internal/safeio"
	"codeforge/internal/security"
)

var (
	scanRulesFile string
	scanFailOn    bool
)

func init() {
	scanCmd.Flags().StringVar(&scanRulesFile, "rules", "", "YAML rule pack replacing the built-in rules")
	scanCmd.Flags().BoolVar(&scanFailOn, "fail", true, "exit non-zero when open high or medium findings exist")
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Run the security scanner over a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, "dist": true}

func runScan(cmd *cobra.Command, args []string) error {
	scanner := security.NewDefault()
	if scanRulesFile != "" {
		rules, err := security.LoadRulesFile(scanRulesFile)
		if err != nil {
			return err
		}
		scanner = security.New(rules)
	}

	files, err := readTree(args[0])
	if err != nil {
		return err
	}
	findings, err := scanner.Scan(cmd.Context(), files)
	if err != nil {
		return err
	}
	printFindings(cmd.OutOrStdout(), findings)
	if scanFailOn && security.HasBlocking(findings) {
		return fmt.Errorf("%d blocking findings", len(security.Blocking(findings)))
	}
	return nil
}

func readTree(dir string) ([]filestore.FileRecord, error) {
	root, err := safeio.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	var out []filestore.FileRecord
	err = fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		body, err := root.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, filestore.FileRecord{
			Path:        p,
			Body:        body,
			Fingerprint: fingerprint.Sum(body),
			Size:        int64(len(body)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return out, nil
}

func printFindings(w io.Writer, findings []security.Finding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, "No findings.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tRULE\tLOCATION\tDESCRIPTION")
	for _, f := range security.SortForDisplay(findings) {
		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", strings.ToUpper(string(f.Severity)), f.RuleID, loc, f.Description)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d findings, %d open\n", len(findings), security.OpenCount(findings))
}
