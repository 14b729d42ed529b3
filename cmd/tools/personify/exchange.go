package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/personify/backend/internal/render"
	"github.com/zhouzirui/personify/backend/internal/service/assistant"
)

// Exchanger runs page exchanges.
type Exchanger interface {
	Summarize(ctx context.Context, req assistant.Request, obs assistant.Observer) (assistant.Reply, error)
	Ask(ctx context.Context, req assistant.Request, obs assistant.Observer) (assistant.Reply, error)
}

// ExchangeCmd prints assistant replies to the terminal.
type ExchangeCmd struct {
	exchanger Exchanger
	// renderer formats the finished reply; nil streams raw text instead.
	renderer render.Renderer
	out      io.Writer
	status   func(assistant.Phase, string)
}

// ExchangeInput holds input for summarize and ask.
type ExchangeInput struct {
	URL        string
	Question   string
	Screenshot bool
}

// Summarize prints a summary of the page at in.URL.
func (c ExchangeCmd) Summarize(ctx context.Context, in ExchangeInput) error {
	return c.run(ctx, c.exchanger.Summarize, in)
}

// Ask prints the answer to in.Question.
func (c ExchangeCmd) Ask(ctx context.Context, in ExchangeInput) error {
	return c.run(ctx, c.exchanger.Ask, in)
}

func (c ExchangeCmd) run(ctx context.Context, fn func(context.Context, assistant.Request, assistant.Observer) (assistant.Reply, error), in ExchangeInput) error {
	out := c.out
	if out == nil {
		out = os.Stdout
	}

	streamed := false
	obs := assistant.Funcs{
		OnStatus: func(phase assistant.Phase, msg string) {
			// Printed deltas cannot be taken back; start the full reply on
			// its own paragraph.
			if phase == assistant.PhaseFallback && c.renderer == nil && streamed {
				fmt.Fprint(out, "\n\n")
			}
			if c.status != nil {
				c.status(phase, msg)
			}
		},
		OnDelta: func(text string) {
			if c.renderer == nil {
				streamed = true
				fmt.Fprint(out, text)
			}
		},
	}

	reply, err := fn(ctx, assistant.Request{URL: in.URL, Question: in.Question, Screenshot: in.Screenshot}, obs)
	if err != nil {
		return err
	}

	if c.renderer == nil {
		if !streamed {
			fmt.Fprint(out, reply.Text)
		}
		fmt.Fprintln(out)
		return nil
	}

	rendered, err := c.renderer.Render(reply.Text)
	if err != nil {
		return err
	}
	fmt.Fprint(out, reply.Persona.Label(), "\n", strings.TrimRight(rendered, "\n"), "\n")
	return nil
}

func newExchangeCmd(cmd *cobra.Command) (ExchangeCmd, func(), error) {
	if current.Assistant == nil {
		return ExchangeCmd{}, nil, fmt.Errorf("assistant unavailable: configure CHAT_PROVIDER and the endpoint settings")
	}

	raw, _ := cmd.Flags().GetBool("raw")
	c := ExchangeCmd{exchanger: current.Assistant}
	if !raw {
		r, err := render.NewTerminal("", 80)
		if err != nil {
			return ExchangeCmd{}, nil, err
		}
		c.renderer = r
	}

	spinner, _ := pterm.DefaultSpinner.Start("Starting...")
	c.status = func(phase assistant.Phase, msg string) {
		if spinner == nil {
			return
		}
		switch phase {
		case assistant.PhaseCapturing:
			spinner.UpdateText("Capturing " + msg)
		case assistant.PhaseRequesting:
			spinner.UpdateText("Waiting for the model...")
		case assistant.PhaseStreaming:
			if raw {
				_ = spinner.Stop()
				spinner = nil
			} else {
				spinner.UpdateText("Receiving reply...")
			}
		case assistant.PhaseDone, assistant.PhaseError:
			_ = spinner.Stop()
			spinner = nil
		}
	}
	stop := func() {
		if spinner != nil {
			_ = spinner.Stop()
		}
	}
	return c, stop, nil
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <url>",
	Short: "Summarize a web page with the active persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, stop, err := newExchangeCmd(cmd)
		if err != nil {
			return err
		}
		screenshot, _ := cmd.Flags().GetBool("screenshot")
		err = c.Summarize(cmd.Context(), ExchangeInput{URL: args[0], Screenshot: screenshot})
		stop()
		return err
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <url> <question>",
	Short: "Ask the active persona about a web page",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, stop, err := newExchangeCmd(cmd)
		if err != nil {
			return err
		}
		screenshot, _ := cmd.Flags().GetBool("screenshot")
		err = c.Ask(cmd.Context(), ExchangeInput{
			URL:        args[0],
			Question:   strings.Join(args[1:], " "),
			Screenshot: screenshot,
		})
		stop()
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{summarizeCmd, askCmd} {
		c.Flags().Bool("raw", false, "stream plain text instead of rendered markdown")
		c.Flags().Bool("screenshot", false, "include a screenshot of the page")
	}
	rootCmd.AddCommand(summarizeCmd, askCmd)
}
