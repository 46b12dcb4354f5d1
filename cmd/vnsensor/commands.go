package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/register"
	"github.com/shaunagostinho/vnsensor/internal/transport"
)

// infoIDs are the identification and output registers shown by info.
var infoIDs = []int{1, 2, 3, 4, 5, 6, 7, 75, 76, 77}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print model, firmware and output configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := loadApp()
			ctx := cmd.Context()
			if err := a.connectVerified(ctx); err != nil {
				return err
			}
			defer a.sensor.Close()

			out := cmd.OutOrStdout()
			for _, id := range infoIDs {
				g := &register.Generic{RegID: id}
				if err := a.sensor.ReadRegister(ctx, g); err != nil {
					fmt.Fprintf(out, "%3d %-26s <%v>\n", id, g.Name(), err)
					continue
				}
				fmt.Fprintf(out, "%3d %-26s %s\n", id, g.Name(), g)
			}
			return nil
		},
	}
}

func parseRegisterID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 || id > 255 {
		return 0, fmt.Errorf("invalid register id %q", s)
	}
	return id, nil
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "read <register>",
		Short:   "read one register",
		Example: "  vnsensor read 8",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRegisterID(args[0])
			if err != nil {
				return err
			}
			a := loadApp()
			if err := a.connectVerified(cmd.Context()); err != nil {
				return err
			}
			defer a.sensor.Close()

			g := &register.Generic{RegID: id}
			if err := a.sensor.ReadRegister(cmd.Context(), g); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", g.Name(), g)
			return nil
		},
	}
}

func newWriteCmd() *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:     "write <register> <values>",
		Short:   "write one register",
		Example: "  vnsensor write 7 100\n  vnsensor write 0 rig-a --persist",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRegisterID(args[0])
			if err != nil {
				return err
			}
			a := loadApp()
			ctx := cmd.Context()
			if err := a.connectVerified(ctx); err != nil {
				return err
			}
			defer a.sensor.Close()

			g := &register.Generic{RegID: id, Values: strings.Split(args[1], ",")}
			if err := a.sensor.WriteRegister(ctx, g); err != nil {
				return err
			}
			if persist {
				if err := a.sensor.WriteSettings(ctx); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", g.Name(), g)
			return nil
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "save settings to non-volatile memory")
	return cmd
}

func newSendCmd() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:     "send <command>",
		Short:   "send a raw command and print the response",
		Example: "  vnsensor send RRG,01\n  vnsensor send KMD,1 --no-wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := loadApp()
			ctx := cmd.Context()
			if err := a.connectVerified(ctx); err != nil {
				return err
			}
			defer a.sensor.Close()

			body := strings.TrimPrefix(strings.TrimPrefix(args[0], "$"), "VN")
			mode := a.sensor.DefaultMode()
			if noWait {
				mode = command.NonBlocking()
			}
			h, err := a.sensor.SendCommand(ctx, command.New(body), mode)
			if err != nil {
				return err
			}
			if noWait {
				// Poll the handle the way a caller doing other work would.
				polls := 0
				for h.IsAwaitingResponse() {
					polls++
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(5 * time.Millisecond):
					}
				}
				log.Debugf("[send] %s settled after %d polls in state %s", h.Command(), polls, h.State())
				if err := h.Err(); err != nil {
					return err
				}
			}
			pkt := h.Response()
			if pkt == nil {
				return fmt.Errorf("%s: no response", h.Command())
			}
			fmt.Fprintln(cmd.OutOrStdout(), pkt.Body())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "send without blocking and poll for the response")
	return cmd
}

func newBaudCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baud <rate>",
		Short: "change the sensor and host baud rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baud, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid baud rate %q", args[0])
			}
			a := loadApp()
			if err := a.connectVerified(cmd.Context()); err != nil {
				return err
			}
			defer a.sensor.Close()

			if err := a.sensor.ChangeBaudRate(cmd.Context(), baud); err != nil {
				return err
			}
			if _, err := a.sensor.VerifyConnectivity(cmd.Context()); err != nil {
				return fmt.Errorf("no answer at %d baud: %w", baud, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sensor now at %d baud\n", baud)
			return nil
		},
	}
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "list serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
