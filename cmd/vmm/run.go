//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hv/kvm"
	"github.com/tinyrange/vmm/internal/irqchip"
	"github.com/tinyrange/vmm/internal/memory"
	"github.com/tinyrange/vmm/internal/runner"
	"github.com/tinyrange/vmm/internal/timeslice"
)

type runCmd struct {
	configPath string
	image      string
	vcpus      int
	irqchip    bool
	serial     bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a flat binary guest" }
func (*runCmd) Usage() string {
	return `run -config <file> [-image path] [-vcpus n] [-irqchip] [-serial]:
  Loads the guest image into memory and runs every vcpu from the load
  address. Bytes written to the debug console port and COM1 go to stdout. The guest
  stops when every vcpu halts, on shutdown, or on SIGINT/SIGTERM.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "YAML or TOML VM configuration")
	f.StringVar(&r.image, "image", "", "override the guest image")
	f.IntVar(&r.vcpus, "vcpus", 0, "override the vcpu count")
	f.BoolVar(&r.irqchip, "irqchip", false, "create the in-kernel interrupt controller")
	f.BoolVar(&r.serial, "serial", false, "add a 16550 UART on COM1")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := config.Default()
	if r.configPath != "" {
		var err error
		if cfg, err = config.Load(r.configPath); err != nil {
			return fatalf("run: %v", err)
		}
	}
	if r.image != "" {
		cfg.Guest.Image = r.image
	}
	if r.vcpus != 0 {
		cfg.Vcpus = r.vcpus
	}
	if r.irqchip {
		cfg.IrqChip = true
	}
	if r.serial {
		cfg.Serial = true
	}
	if err := cfg.Validate(); err != nil {
		return fatalf("run: invalid configuration: %v", err)
	}

	err := runGuest(ctx, cfg, os.Stdout)
	if errors.Is(err, context.Canceled) {
		slog.Info("guest stopped")
		return subcommands.ExitSuccess
	}
	if err != nil {
		return fatalf("run: %v", err)
	}
	return subcommands.ExitSuccess
}

// runGuest builds the VM described by cfg and runs it until it stops.
// Debug console output goes to out.
func runGuest(ctx context.Context, cfg config.Config, out io.Writer) error {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	if cfg.Trace != "" {
		if err := debug.OpenFile(cfg.Trace); err != nil {
			return err
		}
		cu.Add(func() {
			if err := debug.Close(); err != nil {
				slog.Error("close trace", "error", err)
			}
		})
	}

	if cfg.Timeslice != "" {
		f, err := os.Create(cfg.Timeslice)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		cu.Add(func() { f.Close() })
		stream, err := timeslice.Open(f)
		if err != nil {
			return err
		}
		cu.Add(func() {
			if err := stream.Close(); err != nil {
				slog.Error("close timeslice stream", "error", err)
			}
			if n := stream.Dropped(); n > 0 {
				slog.Warn("timeslice records dropped", "count", n)
			}
		})
	}

	sig, err := cfg.Signal()
	if err != nil {
		return err
	}

	image, err := os.ReadFile(cfg.Guest.Image)
	if err != nil {
		return fmt.Errorf("read guest image: %w", err)
	}

	k, err := kvm.OpenPath(cfg.Device)
	if err != nil {
		return err
	}
	cu.Add(func() { k.Close() })

	mem, err := memory.NewGuestMemory(cfg.Ranges())
	if err != nil {
		return err
	}
	cu.Add(func() { mem.Close() })
	if _, err := mem.WriteAt(image, int64(cfg.Guest.LoadAddr)); err != nil {
		return fmt.Errorf("load guest image: %w", err)
	}

	vm, err := kvm.NewVm(k, mem)
	if err != nil {
		return err
	}
	cu.Add(func() { vm.Close() })

	var (
		chip  irqchip.IrqChip
		lines *chipset.LineSet
	)
	if cfg.IrqChip {
		kchip, err := irqchip.NewKernelIrqChip(vm, cfg.Vcpus)
		if err != nil {
			return fmt.Errorf("create irqchip: %w", err)
		}
		cu.Add(func() { kchip.Close() })
		chip = kchip
		lines = chipset.NewLineSet(chipset.IrqChipSink(kchip))
	}

	vcpus := make([]*kvm.Vcpu, 0, cfg.Vcpus)
	for id := range cfg.Vcpus {
		vcpu, err := vm.CreateVcpu(id)
		if err != nil {
			return err
		}
		cu.Add(func() { vcpu.Close() })
		if err := setEntry(vcpu, cfg.Guest.LoadAddr); err != nil {
			return fmt.Errorf("vcpu %d: set entry: %w", id, err)
		}
		if chip != nil {
			if err := chip.AddVcpu(id, vcpu); err != nil {
				return fmt.Errorf("vcpu %d: %w", id, err)
			}
		}
		vcpus = append(vcpus, vcpu)
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("debugcon", chipset.NewDebugCon(cfg.DebugConPort, out)); err != nil {
		return err
	}
	if cfg.Serial {
		var irq chipset.LineInterrupt
		if lines != nil {
			irq = lines.AllocateLine(chipset.COM1Irq)
		}
		if err := b.RegisterDevice("com1", chipset.NewUART(chipset.COM1Port, irq, out)); err != nil {
			return err
		}
	}
	cs := b.Build()
	if err := cs.Start(); err != nil {
		return err
	}
	cu.Add(func() {
		if err := cs.Stop(); err != nil {
			slog.Error("stop chipset", "error", err)
		}
	})

	slog.Info("starting guest",
		"image", cfg.Guest.Image,
		"vcpus", cfg.Vcpus,
		"memory", mem.EndAddr(),
		"irqchip", cfg.IrqChip,
		"serial", cfg.Serial,
	)

	return runner.New(runner.Config{
		Vcpus:      vcpus,
		Chipset:    cs,
		IrqChip:    chip,
		Lines:      lines,
		KickSignal: sig,
	}).Run(ctx)
}
