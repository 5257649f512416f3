//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
	"github.com/tinyrange/vmm/internal/memory"
)

type capsCmd struct {
	device string
}

func (*capsCmd) Name() string     { return "caps" }
func (*capsCmd) Synopsis() string { return "print hypervisor and VM capabilities" }
func (*capsCmd) Usage() string {
	return `caps [-device path]:
  Opens the hypervisor device and reports which optional features it offers.
`
}

func (c *capsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.device, "device", "/dev/kvm", "hypervisor device")
}

func (c *capsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := printCaps(os.Stdout, c.device); err != nil {
		return fatalf("caps: %v", err)
	}
	return subcommands.ExitSuccess
}

func printCaps(out io.Writer, device string) error {
	k, err := kvm.OpenPath(device)
	if err != nil {
		return err
	}
	defer k.Close()

	mmapSize, err := k.VcpuMmapSize()
	if err != nil {
		return err
	}

	mem, err := memory.NewGuestMemory(nil)
	if err != nil {
		return err
	}
	defer mem.Close()

	vm, err := kvm.NewVm(k, mem)
	if err != nil {
		return err
	}
	defer vm.Close()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "architecture\t%s\n", k.Architecture())
	fmt.Fprintf(w, "vcpu mmap size\t%d\n", mmapSize)
	for _, cap := range hv.AllHypervisorCaps {
		fmt.Fprintf(w, "hypervisor %s\t%t\n", cap, k.CheckCapability(cap))
	}
	for _, cap := range hv.AllVmCaps {
		fmt.Fprintf(w, "vm %s\t%t\n", cap, vm.CheckCapability(cap))
	}
	return w.Flush()
}
