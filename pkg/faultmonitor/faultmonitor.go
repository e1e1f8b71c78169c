// Package faultmonitor reacts to the gate driver's nFAULT line: it disables the
// throttle, stops the control loop and shuts the controller down.
package faultmonitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/drv8323"
	"github.com/tigerbot-team/foc-controller/pkg/throttle"
)

var ErrDriverFault = errors.New("gate driver fault")

// Line blocks until nFAULT is asserted.
type Line interface {
	Wait(ctx context.Context) error
}

type StatusReader interface {
	ReadStatus() (drv8323.Status, error)
}

// Stopper is the control loop.
type Stopper interface {
	Fault(reason error)
}

// Report describes a driver fault.  ReadErr is set if the status registers
// could not be read, in which case Status is empty.
type Report struct {
	Status  drv8323.Status
	ReadErr error
}

func (r *Report) Error() string {
	if r.ReadErr != nil {
		return fmt.Sprintf("%v (status unavailable: %v)", ErrDriverFault, r.ReadErr)
	}
	faults := r.Status.Faults()
	if len(faults) == 0 {
		return ErrDriverFault.Error() + " (no status bits set)"
	}
	return ErrDriverFault.Error() + ": " + strings.Join(faults, ", ")
}

func (r *Report) Is(target error) bool {
	return target == ErrDriverFault
}

type Monitor struct {
	line   Line
	status StatusReader
	cell   *throttle.Cell
	loop   Stopper

	// Optional.  Shutdown is called with the fault report as the cause.
	Shutdown context.CancelCauseFunc
	OnFault  func()
}

func New(line Line, status StatusReader, cell *throttle.Cell, loop Stopper) *Monitor {
	return &Monitor{line: line, status: status, cell: cell, loop: loop}
}

// Loop waits for nFAULT.  On assertion it latches the throttle before
// anything else, so no later radio write can re-enable the motor, then stops
// the control loop and returns the *Report.  It returns ctx.Err() if the
// context ends first.
func (m *Monitor) Loop(ctx context.Context) error {
	if err := m.line.Wait(ctx); err != nil {
		return err
	}
	m.cell.Latch()

	report := &Report{}
	report.Status, report.ReadErr = m.status.ReadStatus()
	fmt.Println("FAULT: nFAULT asserted")
	if report.ReadErr != nil {
		fmt.Println("FAULT: failed to read driver status:", report.ReadErr)
	} else {
		fmt.Printf("FAULT: status1=%#04x status2=%#04x\n", report.Status.Status1, report.Status.Status2)
		for _, name := range report.Status.Faults() {
			fmt.Println("FAULT:", name)
		}
	}

	m.loop.Fault(report)
	if m.OnFault != nil {
		m.OnFault()
	}
	if m.Shutdown != nil {
		m.Shutdown(report)
	}
	return report
}
