//go:build linux

// Package runner drives a set of vcpus: one goroutine per vcpu, each pinned
// to its OS thread for the life of its run handle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
	"github.com/tinyrange/vmm/internal/irqchip"
	"github.com/tinyrange/vmm/internal/timeslice"
)

// DefaultKickSignal is delivered to a vcpu thread to force it out of
// KVM_RUN. The Go runtime ignores it unless asked to notify.
const DefaultKickSignal = unix.SIGCHLD

var (
	kindGuest       = timeslice.RegisterKind("guest", timeslice.FlagGuest)
	kindIo          = timeslice.RegisterKind("io", 0)
	kindInterrupted = timeslice.RegisterKind("interrupted", 0)
	kindExit        = timeslice.RegisterKind("exit", 0)
)

// errShutdown stops every vcpu without reporting an error.
var errShutdown = errors.New("runner: guest shutdown")

type Config struct {
	Vcpus   []*kvm.Vcpu
	Chipset *chipset.Chipset

	// IrqChip, if set, is consulted when a vcpu halts.
	IrqChip irqchip.IrqChip
	// Lines receives EOI broadcasts.
	Lines *chipset.LineSet

	// KickSignal defaults to DefaultKickSignal.
	KickSignal unix.Signal
}

type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	if cfg.KickSignal == 0 {
		cfg.KickSignal = DefaultKickSignal
	}
	if cfg.Chipset == nil {
		cfg.Chipset = chipset.NewBuilder().Build()
	}
	return &Runner{cfg: cfg}
}

// Run runs every vcpu until all have halted, the guest shuts down, a vcpu
// fails, or ctx is done. It returns ctx.Err() when stopped by ctx.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.cfg.Vcpus) == 0 {
		return fmt.Errorf("runner: no vcpus")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, vcpu := range r.cfg.Vcpus {
		g.Go(func() error {
			return r.runVcpu(gctx, vcpu)
		})
	}

	err := g.Wait()
	if errors.Is(err, errShutdown) {
		return nil
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Runner) runVcpu(ctx context.Context, vcpu *kvm.Vcpu) error {
	id := vcpu.ID()
	trace := debug.Source(fmt.Sprintf("vcpu %d", id))
	rec := timeslice.NewRecorder(id)

	sig := r.cfg.KickSignal
	h, err := vcpu.TakeRunHandle(&sig)
	if err != nil {
		return fmt.Errorf("runner: vcpu %d: %w", id, err)
	}
	cu := cleanup.Make(func() {
		if err := h.Close(); err != nil {
			slog.Error("runner: release run handle", "vcpu", id, "error", err)
		}
	})
	defer cu.Clean()

	// Unblock the kick signal inside KVM_RUN only.
	if err := vcpu.SetSignalMask(nil); err != nil {
		return fmt.Errorf("runner: vcpu %d: %w", id, err)
	}

	tid := h.Tid()
	stop := context.AfterFunc(ctx, func() {
		if err := vcpu.Kick(tid, sig); err != nil {
			slog.Error("runner: kick vcpu", "vcpu", id, "error", err)
		}
	})
	cu.Add(func() { stop() })

	rec.Record(timeslice.KindSetup)
	slog.Debug("vcpu started", "vcpu", id, "tid", tid)

	for {
		if ctx.Err() != nil {
			return nil
		}

		exit, err := vcpu.Run(h)
		rec.Record(kindGuest)
		if errors.Is(err, unix.EINTR) {
			kvm.SetLocalImmediateExit(false)
			rec.Record(kindInterrupted)
			continue
		}
		if err != nil {
			return fmt.Errorf("runner: run vcpu %d: %w", id, err)
		}
		trace.Writef("exit=%s", exit.Kind())

		done, err := r.handleExit(vcpu, exit, rec)
		if err != nil || done {
			return err
		}
	}
}

// handleExit reports done when this vcpu has nothing more to run.
func (r *Runner) handleExit(vcpu *kvm.Vcpu, exit hv.VcpuExit, rec *timeslice.Recorder) (bool, error) {
	id := vcpu.ID()

	handled, err := r.cfg.Chipset.HandleExit(vcpu, exit)
	if handled {
		rec.Record(kindIo)
		if err != nil {
			return true, fmt.Errorf("runner: vcpu %d: %s: %w", id, exit.Kind(), err)
		}
		return false, nil
	}
	defer rec.Record(kindExit)

	switch e := exit.(type) {
	case hv.IoapicEoiExit:
		if r.cfg.Lines != nil {
			r.cfg.Lines.BroadcastEOI(e.Vector)
		}
		return false, nil
	case hv.SystemEventExit:
		slog.Info("guest system event", "vcpu", id, "type", e.Type, "flags", e.Flags)
		return true, errShutdown
	case hv.FailEntryExit:
		return true, fmt.Errorf("runner: vcpu %d: entry failed, hardware reason %#x", id, e.HardwareEntryFailureReason)
	}

	switch exit.Kind() {
	case hv.ExitHlt:
		if r.cfg.IrqChip == nil {
			slog.Debug("vcpu halted", "vcpu", id)
			return true, nil
		}
		r.cfg.IrqChip.Halted(id)
		state, err := r.cfg.IrqChip.WaitUntilRunnable(vcpu)
		if err != nil {
			return true, fmt.Errorf("runner: vcpu %d: wait until runnable: %w", id, err)
		}
		return state != irqchip.VcpuRunnable, nil
	case hv.ExitShutdown:
		slog.Info("guest shutdown", "vcpu", id)
		return true, errShutdown
	case hv.ExitIntr, hv.ExitIrqWindowOpen:
		return false, nil
	case hv.ExitInternalError:
		return true, fmt.Errorf("runner: vcpu %d: KVM internal error", id)
	default:
		return true, fmt.Errorf("runner: vcpu %d: unhandled exit %s", id, exit.Kind())
	}
}
