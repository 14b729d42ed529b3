package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/personify/backend/internal/service/transfer"
)

// Reconciler is the part of the import/export reconciler the CLI uses.
type Reconciler interface {
	Export(ctx context.Context) (transfer.Document, error)
	ImportFrom(ctx context.Context, doc io.Reader, idMap io.Reader, confirm transfer.ConfirmFunc, progress transfer.ProgressFunc) (transfer.Result, error)
}

// TransferCmd handles export and import.
type TransferCmd struct {
	reconciler Reconciler
	// choose asks for the import mode when none was given.
	choose       func(doc transfer.Document) (transfer.Mode, bool)
	showProgress bool
	now          func() time.Time
}

// ExportInput holds input for exporting.
type ExportInput struct {
	Path string
}

// ImportInput holds input for importing.
type ImportInput struct {
	Path        string
	MapPath     string
	Mode        string
	PreserveIDs bool
}

// Export writes the export document to in.Path, or to a timestamped file in
// the working directory.
func (c TransferCmd) Export(ctx context.Context, in ExportInput) (string, error) {
	doc, err := c.reconciler.Export(ctx)
	if err != nil {
		return "", err
	}

	path := in.Path
	if path == "" {
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		path = transfer.FileName(now())
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()
	if err := transfer.WriteDocument(f, doc); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}

	pterm.Success.Printf("Exported %d personas and %d images to %s\n", len(doc.Personas), len(doc.Images), path)
	return path, nil
}

// Import reads the document at in.Path and integrates it.
func (c TransferCmd) Import(ctx context.Context, in ImportInput) (transfer.Result, error) {
	doc, err := os.Open(in.Path)
	if err != nil {
		return transfer.Result{}, fmt.Errorf("failed to open import file: %w", err)
	}
	defer doc.Close()

	var idMap io.Reader
	if in.MapPath != "" {
		f, err := os.Open(in.MapPath)
		if err != nil {
			return transfer.Result{}, fmt.Errorf("failed to open id map: %w", err)
		}
		defer f.Close()
		idMap = f
	}

	var fixed transfer.Mode
	if in.Mode != "" {
		if fixed, err = transfer.ParseMode(in.Mode); err != nil {
			return transfer.Result{}, err
		}
	}

	confirm := func(parsed transfer.Document) (transfer.Policy, bool) {
		mode := fixed
		if mode == "" {
			if c.choose == nil {
				return transfer.Policy{}, false
			}
			var ok bool
			if mode, ok = c.choose(parsed); !ok {
				return transfer.Policy{}, false
			}
		}
		return transfer.Policy{Mode: mode, PreserveIDs: in.PreserveIDs}, true
	}

	var bar *pterm.ProgressbarPrinter
	progress := func(p transfer.Progress) {
		if !c.showProgress {
			return
		}
		if bar == nil {
			bar, _ = pterm.DefaultProgressbar.WithTotal(p.Total).WithTitle("Importing").Start()
		}
		if bar != nil {
			bar.Add(p.Done - bar.Current)
		}
	}

	result, err := c.reconciler.ImportFrom(ctx, doc, idMap, confirm, progress)
	if bar != nil {
		_, _ = bar.Stop()
	}
	if errors.Is(err, transfer.ErrCancelled) {
		pterm.Info.Println("Import cancelled")
		return result, nil
	}
	if err != nil {
		return result, err
	}

	pterm.Success.Printf("Imported %d personas and %d images (%s)\n", result.Personas, result.Images, result.Mode)
	if in.PreserveIDs {
		rows := pterm.TableData{{"Document ID", "Stored ID"}}
		for from, to := range result.IDMap {
			if from != to {
				rows = append(rows, []string{from, to})
			}
		}
		if len(rows) > 1 {
			printTable(rows)
		}
	}
	return result, nil
}

func interactiveMode(doc transfer.Document) (transfer.Mode, bool) {
	pterm.Info.Printf("Document from %s with %d personas and %d images\n", doc.Meta.ExportedAt, len(doc.Personas), len(doc.Images))
	options := []string{
		"merge: add to existing personas",
		"wipe: replace all personas",
		"cancel",
	}
	choice, err := pterm.DefaultInteractiveSelect.WithOptions(options).Show("Import mode")
	if err != nil {
		return "", false
	}
	switch choice {
	case options[0]:
		return transfer.ModeMerge, true
	case options[1]:
		return transfer.ModeWipe, true
	default:
		return "", false
	}
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export personas, images and settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := ExportInput{}
		if len(args) == 1 {
			in.Path = args[0]
		}
		_, err := TransferCmd{reconciler: current.Reconciler}.Export(cmd.Context(), in)
		return err
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an export document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mapPath, _ := cmd.Flags().GetString("map")
		mode, _ := cmd.Flags().GetString("mode")
		preserve, _ := cmd.Flags().GetBool("preserve-ids")
		_, err := TransferCmd{
			reconciler:   current.Reconciler,
			choose:       interactiveMode,
			showProgress: true,
		}.Import(cmd.Context(), ImportInput{
			Path:        args[0],
			MapPath:     mapPath,
			Mode:        mode,
			PreserveIDs: preserve,
		})
		return err
	},
}

func init() {
	importCmd.Flags().String("map", "", "JSON file mapping document ids to stored ids")
	importCmd.Flags().String("mode", "", "wipe or merge (prompted when omitted)")
	importCmd.Flags().Bool("preserve-ids", false, "keep document ids instead of generating new ones")

	rootCmd.AddCommand(exportCmd, importCmd)
}
