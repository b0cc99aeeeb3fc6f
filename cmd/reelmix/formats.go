package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/encoding/container"
)

func newFormatsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List the recording formats this build can produce",
		Long: "Prints the capability table in registration order, whether each " +
			"format passed its runtime probe, and which format negotiation " +
			"would pick for the configured preferences.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			reg := encoding.NewRegistry()
			if err := container.Register(reg, container.WithLogger(slog.New(slog.DiscardHandler))); err != nil {
				return err
			}
			cc, err := cfg.Recorder.Capture()
			if err != nil {
				return err
			}
			params := encoding.Params{Audio: cc.AudioFormat, JPEGQuality: cc.JPEGQuality}
			fmt.Fprintln(cmd.OutOrStdout(), formatsTable(reg, cc.Preferences, params))
			return nil
		},
	}
}

// formatsTable renders reg as a table and appends the negotiation result
// for prefs and a session with parameters p.
func formatsTable(reg *encoding.Registry, prefs []encoding.Descriptor, p encoding.Params) string {
	var rows [][]string
	for _, c := range reg.Capabilities() {
		status := "ok"
		if err := reg.ProbeError(c.Descriptor); err != nil {
			status = "unavailable: " + err.Error()
		} else if err := reg.Usable(c.Descriptor, p); err != nil {
			status = "not for this session: " + err.Error()
		}
		def := ""
		if c.Default {
			def = "yes"
		}
		rows = append(rows, []string{string(c.Descriptor), c.Description, def, status})
	}
	out := renderTable([]string{"Descriptor", "Description", "Default", "Status"}, rows, nil)

	chosen, fellBack := reg.Resolve(prefs, p)
	switch {
	case chosen == encoding.UseDefault:
		out += "\nnegotiated: none (no usable format)"
	case fellBack:
		out += "\nnegotiated: " + string(chosen) + " (platform default, no preference usable)"
	default:
		out += "\nnegotiated: " + string(chosen)
	}
	return out
}
