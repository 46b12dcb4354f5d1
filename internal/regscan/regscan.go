// Package regscan saves and restores the configuration registers of a
// sensor.
package regscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/register"
)

// ErrEmptyConfig is returned by Load when the reader holds no registers.
var ErrEmptyConfig = errors.New("regscan: configuration is empty")

// Entry is one saved register value.
type Entry struct {
	ID     int      `yaml:"id"`
	Name   string   `yaml:"name,omitempty"`
	Values []string `yaml:"values,flow"`
}

func (e Entry) equal(o Entry) bool {
	return e.ID == o.ID && strings.Join(e.Values, ",") == strings.Join(o.Values, ",")
}

// Device is the part of a sensor a scan needs.
type Device interface {
	ReadRegister(ctx context.Context, r register.Register) error
	WriteRegister(ctx context.Context, r register.Register) error
	AsyncOutputEnable(ctx context.Context, enable bool) error
	RestoreFactorySettings(ctx context.Context) error
	WriteSettings(ctx context.Context) error
	Reset(ctx context.Context) error
}

// ConfigWriter stores entries.
type ConfigWriter interface {
	WriteConfig(e Entry) error
	Close() error
}

// ConfigReader yields entries and io.EOF at the end.
type ConfigReader interface {
	Next() (Entry, error)
}

// Save reads every register in ids (register.ConfigIDs when empty) and
// writes it to w. Async output is paused for the duration. Registers the
// sensor does not have are skipped.
func Save(ctx context.Context, dev Device, w ConfigWriter, ids []int) error {
	entries, err := collect(ctx, dev, ids)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.WriteConfig(e); err != nil {
			return fmt.Errorf("regscan: write register %d: %w", e.ID, err)
		}
	}
	return w.Close()
}

func collect(ctx context.Context, dev Device, ids []int) ([]Entry, error) {
	if len(ids) == 0 {
		ids = register.ConfigIDs
	}
	if err := dev.AsyncOutputEnable(ctx, false); err != nil {
		return nil, fmt.Errorf("regscan: pause async output: %w", err)
	}

	var out []Entry
	for _, id := range ids {
		log.Debugf("[regscan] polling register %d", id)
		g := &register.Generic{RegID: id}
		if err := dev.ReadRegister(ctx, g); err != nil {
			if unsupported(err) {
				log.Debugf("[regscan] register %d skipped: %v", id, err)
				continue
			}
			return nil, fmt.Errorf("regscan: read register %d: %w", id, err)
		}
		if isEmpty(g.Values) {
			continue
		}
		out = append(out, Entry{ID: id, Name: g.Name(), Values: g.Values})
	}

	if err := dev.AsyncOutputEnable(ctx, true); err != nil {
		return nil, fmt.Errorf("regscan: resume async output: %w", err)
	}
	return out, nil
}

func unsupported(err error) bool {
	var serr *command.SensorError
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case command.InvalidRegister, command.UnauthorizedAccess, command.NotEnoughParameters:
		return true
	}
	return false
}

func isEmpty(vals []string) bool {
	for _, v := range vals {
		if v != "" {
			return false
		}
	}
	return true
}

// Load restores factory settings, writes every entry from r, then saves
// to non-volatile memory and resets the sensor.
func Load(ctx context.Context, dev Device, r ConfigReader) error {
	if err := dev.RestoreFactorySettings(ctx); err != nil {
		return fmt.Errorf("regscan: restore factory settings: %w", err)
	}
	n := 0
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := apply(ctx, dev, e); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return ErrEmptyConfig
	}
	return persist(ctx, dev)
}

func apply(ctx context.Context, dev Device, e Entry) error {
	if err := dev.WriteRegister(ctx, &register.Generic{RegID: e.ID, Values: e.Values}); err != nil {
		return fmt.Errorf("regscan: write register %d: %w", e.ID, err)
	}
	return nil
}

func persist(ctx context.Context, dev Device) error {
	if err := dev.WriteSettings(ctx); err != nil {
		return fmt.Errorf("regscan: write settings: %w", err)
	}
	if err := dev.Reset(ctx); err != nil {
		return fmt.Errorf("regscan: reset: %w", err)
	}
	return nil
}

// SaveNonDefault writes only the registers whose current value differs
// from the factory default. Finding the defaults needs a factory reset, so
// the differing values are written back and persisted afterwards.
func SaveNonDefault(ctx context.Context, dev Device, w ConfigWriter, ids []int) error {
	log.Printf("[regscan] collecting user settings")
	user, err := collect(ctx, dev, ids)
	if err != nil {
		return err
	}
	if err := dev.RestoreFactorySettings(ctx); err != nil {
		return fmt.Errorf("regscan: restore factory settings: %w", err)
	}

	log.Printf("[regscan] collecting default settings")
	defaults, err := collect(ctx, dev, ids)
	if err != nil {
		return err
	}
	byID := make(map[int]Entry, len(defaults))
	for _, e := range defaults {
		byID[e.ID] = e
	}

	for _, e := range user {
		if d, ok := byID[e.ID]; ok && d.equal(e) {
			continue
		}
		if err := apply(ctx, dev, e); err != nil {
			return err
		}
		if err := w.WriteConfig(e); err != nil {
			return fmt.Errorf("regscan: write register %d: %w", e.ID, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return persist(ctx, dev)
}
