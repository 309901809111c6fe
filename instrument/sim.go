package instrument

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed indicates a call on a closed microscope handle.
var ErrClosed = errors.New("microscope handle closed")

// stage travel limits of the simulated goniometer
const (
	stageLimitXY = 1_000_000.0 // nm
	stageLimitZ  = 500_000.0   // nm
	stageLimitA  = 70.0        // degrees
	stageLimitB  = 30.0        // degrees
)

// SimMicroscope is an in-memory microscope. The zero value is not usable; use NewSimMicroscope.
type SimMicroscope struct {
	highTension   float64
	stage         StagePosition
	beamShift     Vector
	magnification int
	mode          string
	moveUntil     time.Time
	stageSpeed    float64 // nm per second, 0 for instant moves
	closed        bool
	now           func() time.Time
}

var _ Microscope = (*SimMicroscope)(nil)

// NewSimMicroscope creates a simulated microscope at 200 kV, stage at origin, mag1 mode.
func NewSimMicroscope() *SimMicroscope {
	return &SimMicroscope{
		highTension:   200_000,
		magnification: 2500,
		mode:          "mag1",
		now:           time.Now,
	}
}

// SetStageSpeed makes stage moves take time proportional to distance.
func (m *SimMicroscope) SetStageSpeed(nmPerSecond float64) {
	m.stageSpeed = nmPerSecond
}

// Name returns the instrument kind, "simulate".
func (m *SimMicroscope) Name() string { return "simulate" }

// HighTension returns the accelerating voltage in volts.
func (m *SimMicroscope) HighTension() (float64, error) {
	if m.closed {
		return 0, ErrClosed
	}

	return m.highTension, nil
}

// StagePosition returns the current stage position.
func (m *SimMicroscope) StagePosition() (StagePosition, error) {
	if m.closed {
		return StagePosition{}, ErrClosed
	}

	return m.stage, nil
}

// SetStagePosition starts a move to pos. Axes outside the travel limits are rejected.
func (m *SimMicroscope) SetStagePosition(pos StagePosition) error {
	if m.closed {
		return ErrClosed
	}

	switch {
	case abs(pos.X) > stageLimitXY || abs(pos.Y) > stageLimitXY:
		return fmt.Errorf("stage x/y out of range ±%.0f nm", stageLimitXY)
	case abs(pos.Z) > stageLimitZ:
		return fmt.Errorf("stage z out of range ±%.0f nm", stageLimitZ)
	case abs(pos.A) > stageLimitA:
		return fmt.Errorf("stage alpha tilt out of range ±%.0f°", stageLimitA)
	case abs(pos.B) > stageLimitB:
		return fmt.Errorf("stage beta tilt out of range ±%.0f°", stageLimitB)
	}

	if m.stageSpeed > 0 {
		dist := max(abs(pos.X-m.stage.X), abs(pos.Y-m.stage.Y), abs(pos.Z-m.stage.Z))
		m.moveUntil = m.now().Add(time.Duration(dist / m.stageSpeed * float64(time.Second)))
	}
	m.stage = pos

	return nil
}

// StageMoving reports whether a stage move is still in progress.
func (m *SimMicroscope) StageMoving() (bool, error) {
	if m.closed {
		return false, ErrClosed
	}

	return m.now().Before(m.moveUntil), nil
}

// StopStage ends the current stage move.
func (m *SimMicroscope) StopStage() error {
	if m.closed {
		return ErrClosed
	}
	m.moveUntil = time.Time{}

	return nil
}

// BeamShift returns the beam shift.
func (m *SimMicroscope) BeamShift() (Vector, error) {
	if m.closed {
		return Vector{}, ErrClosed
	}

	return m.beamShift, nil
}

// SetBeamShift sets the beam shift. Each component must be within ±65535.
func (m *SimMicroscope) SetBeamShift(v Vector) error {
	if m.closed {
		return ErrClosed
	}
	if abs(v.X) > 65535 || abs(v.Y) > 65535 {
		return errors.New("beam shift out of range ±65535")
	}
	m.beamShift = v

	return nil
}

// Magnification returns the current magnification.
func (m *SimMicroscope) Magnification() (int, error) {
	if m.closed {
		return 0, ErrClosed
	}

	return m.magnification, nil
}

// SetMagnification sets the magnification. It must be positive.
func (m *SimMicroscope) SetMagnification(mag int) error {
	if m.closed {
		return ErrClosed
	}
	if mag <= 0 {
		return fmt.Errorf("magnification must be positive, got %d", mag)
	}
	m.magnification = mag

	return nil
}

// FunctionMode returns the projection function mode.
func (m *SimMicroscope) FunctionMode() (string, error) {
	if m.closed {
		return "", ErrClosed
	}

	return m.mode, nil
}

// SetFunctionMode switches to one of FunctionModes.
func (m *SimMicroscope) SetFunctionMode(mode string) error {
	if m.closed {
		return ErrClosed
	}
	if !validMode(mode) {
		return fmt.Errorf("unknown function mode %q, expected one of %v", mode, FunctionModes)
	}
	m.mode = mode

	return nil
}

// Close releases the handle. Later calls fail with ErrClosed.
func (m *SimMicroscope) Close() error {
	m.closed = true
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}

	return v
}
