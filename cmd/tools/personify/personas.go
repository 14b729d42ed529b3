package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/service/capture"
)

// PersonaService is the part of the persona store the CLI uses.
type PersonaService interface {
	List(ctx context.Context) ([]persona.Persona, error)
	Create(ctx context.Context, fields persona.Fields, imageBlob string) (persona.Persona, error)
	Delete(ctx context.Context, id string) error
	Active(ctx context.Context) (persona.Persona, error)
	SetActive(ctx context.Context, id string) (persona.Persona, error)
}

// PersonasCmd handles persona operations.
type PersonasCmd struct {
	personas PersonaService
	confirm  func(msg string) bool
}

// CreatePersonaInput holds input for creating a persona.
type CreatePersonaInput struct {
	Name          string
	Prefix        string
	System        string
	SummaryPrompt string
	ImagePath     string
	MaxImageWidth int
}

// DeletePersonaInput holds input for deleting a persona.
type DeletePersonaInput struct {
	ID          string
	SkipConfirm bool
}

// List prints every persona and marks the active one.
func (c PersonasCmd) List(ctx context.Context) error {
	list, err := c.personas.List(ctx)
	if err != nil {
		return err
	}
	active, err := c.personas.Active(ctx)
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"ID", "Name", "Prefix", "Image", "Active"}}
	for _, p := range list {
		mark := ""
		if p.ID == active.ID {
			mark = "*"
		}
		rows = append(rows, []string{p.ID, p.Name, p.Prefix, fmt.Sprintf("%t", p.HasImage()), mark})
	}
	printTable(rows)
	return nil
}

// Create adds a persona, optionally with an image file re-encoded for storage.
func (c PersonasCmd) Create(ctx context.Context, in CreatePersonaInput) error {
	var blob string
	if in.ImagePath != "" {
		data, err := os.ReadFile(in.ImagePath)
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		img, err := capture.EncodeImage(data, in.MaxImageWidth, in.ImagePath)
		if err != nil {
			return err
		}
		blob = img.DataURL
	}

	p, err := c.personas.Create(ctx, persona.Fields{
		Name:          in.Name,
		Prefix:        in.Prefix,
		System:        in.System,
		SummaryPrompt: in.SummaryPrompt,
	}, blob)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Created persona %s (%s)\n", p.Name, p.ID)
	return nil
}

// Delete removes a persona after confirmation.
func (c PersonasCmd) Delete(ctx context.Context, in DeletePersonaInput) error {
	if !in.SkipConfirm && c.confirm != nil {
		if !c.confirm(fmt.Sprintf("Are you sure you want to delete persona '%s'?", in.ID)) {
			pterm.Info.Println("Deletion cancelled")
			return nil
		}
	}

	err := c.personas.Delete(ctx, in.ID)
	switch {
	case errors.Is(err, persona.ErrNotFound):
		pterm.Info.Printf("Persona '%s' not found\n", in.ID)
		return nil
	case err != nil:
		return err
	}
	pterm.Success.Printf("Deleted persona: %s\n", in.ID)
	return nil
}

// Activate moves the active persona pointer.
func (c PersonasCmd) Activate(ctx context.Context, id string) error {
	p, err := c.personas.SetActive(ctx, id)
	if err != nil {
		return err
	}
	if p.ID != id {
		pterm.Warning.Printf("Persona '%s' not found, using %s\n", id, p.Name)
		return nil
	}
	pterm.Success.Printf("Active persona: %s\n", p.Name)
	return nil
}

func interactiveConfirm(msg string) bool {
	pterm.DefaultInteractiveConfirm.DefaultText = msg
	ok, _ := pterm.DefaultInteractiveConfirm.Show()
	return ok
}

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "Manage personas",
}

var personasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return PersonasCmd{personas: current.Personas}.List(cmd.Context())
	},
}

var personasCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		system, _ := cmd.Flags().GetString("system")
		summary, _ := cmd.Flags().GetString("summary-prompt")
		image, _ := cmd.Flags().GetString("image")
		return PersonasCmd{personas: current.Personas}.Create(cmd.Context(), CreatePersonaInput{
			Name:          args[0],
			Prefix:        prefix,
			System:        system,
			SummaryPrompt: summary,
			ImagePath:     image,
			MaxImageWidth: capture.DefaultMaxImageWidth,
		})
	},
}

var personasDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		return PersonasCmd{personas: current.Personas, confirm: interactiveConfirm}.Delete(cmd.Context(), DeletePersonaInput{
			ID:          args[0],
			SkipConfirm: yes,
		})
	},
}

var personasActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Make a persona the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return PersonasCmd{personas: current.Personas}.Activate(cmd.Context(), args[0])
	},
}

func init() {
	personasCreateCmd.Flags().String("prefix", "", "label shown before replies")
	personasCreateCmd.Flags().String("system", "", "system prompt")
	personasCreateCmd.Flags().String("summary-prompt", "", "prompt used for summaries")
	personasCreateCmd.Flags().String("image", "", "path to an avatar image")
	personasDeleteCmd.Flags().BoolP("yes", "y", false, "skip confirmation")

	personasCmd.AddCommand(personasListCmd, personasCreateCmd, personasDeleteCmd, personasActivateCmd)
	rootCmd.AddCommand(personasCmd)
}
