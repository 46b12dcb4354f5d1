package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/register"
)

func readModel() command.Command { return register.ReadCommand(&register.Model{}) }

// DefaultMode is the block mode used by the convenience methods.
func (s *Sensor) DefaultMode() command.BlockMode {
	return command.BlockingWithRetry(s.cfg.ResponseTimeout, s.cfg.Retries)
}

// SendCommand writes cmd on the current connection.
func (s *Sensor) SendCommand(ctx context.Context, cmd command.Command, mode command.BlockMode) (command.Handle, error) {
	c, err := s.current()
	if err != nil {
		return command.Handle{}, err
	}
	s.metrics.CommandSent(cmd.Kind())
	start := time.Now()
	h, err := c.corr.Send(ctx, cmd, mode)
	if mode.Block {
		s.metrics.CommandFinished(cmd.Kind(), outcome(err), time.Since(start).Seconds())
	}
	return h, err
}

func outcome(err error) string {
	var serr *command.SensorError
	var terr *command.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, command.ErrResponseTimeout):
		return "timeout"
	case errors.As(err, &serr):
		return "sensor_error"
	case errors.As(err, &terr):
		return "transport_error"
	case errors.Is(err, command.ErrDisconnected):
		return "disconnected"
	}
	return "error"
}

// VerifyConnectivity reads the model register and fails when the sensor
// does not answer.
func (s *Sensor) VerifyConnectivity(ctx context.Context) (string, error) {
	var m register.Model
	if err := s.ReadRegister(ctx, &m); err != nil {
		return "", fmt.Errorf("sensor: verify connectivity: %w", err)
	}
	return m.Model, nil
}

// ReadRegister fills r from the sensor.
func (s *Sensor) ReadRegister(ctx context.Context, r register.Register) error {
	h, err := s.SendCommand(ctx, register.ReadCommand(r), s.DefaultMode())
	if err != nil {
		return err
	}
	return register.FromResponse(r, h.Response())
}

// WriteRegister stores r on the sensor. The change is volatile until
// WriteSettings.
func (s *Sensor) WriteRegister(ctx context.Context, r register.Register) error {
	cmd, err := register.WriteCommand(r)
	if err != nil {
		return err
	}
	h, err := s.SendCommand(ctx, cmd, s.DefaultMode())
	if err != nil {
		return err
	}
	if id, ok := register.ResponseID(h.Response()); !ok || id != r.ID() {
		return fmt.Errorf("%w: write %s answered by %s", register.ErrResponse, r.Name(), h.Response().Body())
	}
	return nil
}

func (s *Sensor) run(ctx context.Context, cmd command.Command) error {
	_, err := s.SendCommand(ctx, cmd, s.DefaultMode())
	return err
}

// WriteSettings persists the current register values.
func (s *Sensor) WriteSettings(ctx context.Context) error {
	return s.run(ctx, command.WriteSettings())
}

// RestoreFactorySettings resets every register to its default and reboots.
func (s *Sensor) RestoreFactorySettings(ctx context.Context) error {
	return s.run(ctx, command.RestoreFactorySettings())
}

func (s *Sensor) Reset(ctx context.Context) error {
	return s.run(ctx, command.Reset())
}

func (s *Sensor) SetFilterBias(ctx context.Context) error {
	return s.run(ctx, command.SetFilterBias())
}

func (s *Sensor) AsyncOutputEnable(ctx context.Context, enable bool) error {
	return s.run(ctx, command.AsyncOutputEnable(enable))
}

func (s *Sensor) KnownMagneticDisturbance(ctx context.Context, present bool) error {
	return s.run(ctx, command.KnownMagneticDisturbance(present))
}

func (s *Sensor) KnownAccelerationDisturbance(ctx context.Context, present bool) error {
	return s.run(ctx, command.KnownAccelerationDisturbance(present))
}

func (s *Sensor) SetInitialHeading(ctx context.Context, deg float64) error {
	return s.run(ctx, command.SetInitialHeading(deg))
}

// ChangeBaudRate sets the sensor's baud rate, then follows it on the host
// side. The sensor answers at the old rate before switching.
func (s *Sensor) ChangeBaudRate(ctx context.Context, baud int) error {
	port, ok := s.Port()
	if !ok {
		return ErrNotSupported
	}
	if baud <= 0 || !register.IsSupportedBaud(uint32(baud)) {
		return fmt.Errorf("%w: unsupported baud rate %d", register.ErrEncoding, baud)
	}
	if err := s.WriteRegister(ctx, &register.BaudRate{Baud: uint32(baud)}); err != nil {
		return err
	}
	if err := port.SetBaudRate(baud); err != nil {
		return fmt.Errorf("sensor: host baud %d: %w", baud, err)
	}
	log.Printf("[sensor] baud rate changed to %d", baud)
	return nil
}
