// bpfload loads, attaches and manages BPF programs from relocatable
// bytecode objects.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/bpffs"
	"github.com/frobware/go-bpfload/loader"
	"github.com/frobware/go-bpfload/logging"
	"github.com/frobware/go-bpfload/store"
	"github.com/frobware/go-bpfload/store/sqlite"
)

const defaultDBPath = "/var/lib/bpfload/state.db"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <COMMAND>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  load    Load a program from an object file\n")
	fmt.Fprintf(os.Stderr, "  attach  Attach a loaded program to a hook\n")
	fmt.Fprintf(os.Stderr, "  list    List loaded programs\n")
	fmt.Fprintf(os.Stderr, "  unload  Unload a program and remove its pins\n")
	fmt.Fprintf(os.Stderr, "  events  Stream ring buffer records from a program's map\n")
	fmt.Fprintf(os.Stderr, "  help    Print this message\n")
	os.Exit(1)
}

// commonFlags registers the flags every subcommand shares.
type commonFlags struct {
	db      string
	pinRoot string
	logSpec string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.db, "db", defaultDBPath, "state database path")
	fs.StringVar(&c.pinRoot, "pin-root", bpffs.DefaultMountPoint, "bpffs root for pins")
	fs.StringVar(&c.logSpec, "log", "", "log spec, e.g. info,core=debug (overrides "+logging.EnvVar+")")
	return c
}

func (c *commonFlags) newLoader(ctx context.Context) (*loader.Loader, func(), error) {
	logger, err := logging.New(logging.Options{
		CLISpec: c.logSpec,
		EnvSpec: os.Getenv(logging.EnvVar),
	})
	if err != nil {
		return nil, nil, err
	}

	st, err := sqlite.New(ctx, c.db, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}

	l, err := loader.New(bpffs.Root(c.pinRoot), st, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return l, func() { st.Close() }, nil
}

func cmdLoad(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	common := registerCommon(fs)
	program := fs.String("program", "", "program name within the object (defaults to the only program)")
	noPin := fs.Bool("no-pin", false, "do not pin; the program vanishes when this process exits")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: load [flags] <object.o>")
	}

	if !*noPin {
		if err := bpffs.EnsureMounted(bpffs.DefaultMountInfoPath, common.pinRoot); err != nil {
			return fmt.Errorf("ensuring bpffs at %s: %w", common.pinRoot, err)
		}
	}

	l, cleanup, err := common.newLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	spec := bpfload.LoadSpec{
		ObjectPath:  fs.Arg(0),
		ProgramName: *program,
	}
	if !*noPin {
		spec.PinDir = common.pinRoot
	}

	lp, err := l.Load(ctx, spec)
	if err != nil {
		return err
	}
	defer lp.Close()

	fmt.Printf("loaded %s (id %d)\n", lp.Program.Name(), lp.Program.ID())
	return nil
}

// parseAttachSpec builds an AttachSpec from mutually exclusive hook
// flags.
func parseAttachSpec(kprobe, kretprobe, tracepoint, rawTP, xdpIface string, xdpFlags uint) (bpfload.AttachSpec, error) {
	set := 0
	for _, s := range []string{kprobe, kretprobe, tracepoint, rawTP, xdpIface} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of --kprobe, --kretprobe, --tracepoint, --raw-tracepoint, --xdp is required")
	}

	switch {
	case kprobe != "":
		return bpfload.NewKprobeAttachSpec(kprobe, false)
	case kretprobe != "":
		return bpfload.NewKprobeAttachSpec(kretprobe, true)
	case tracepoint != "":
		group, name, ok := strings.Cut(tracepoint, "/")
		if !ok {
			return nil, fmt.Errorf("tracepoint must be GROUP/NAME, got %q", tracepoint)
		}
		return bpfload.NewTracepointAttachSpec(group, name)
	case rawTP != "":
		return bpfload.NewRawTracepointAttachSpec(rawTP)
	default:
		ifindex, err := ifindexOf(xdpIface)
		if err != nil {
			return nil, err
		}
		spec, err := bpfload.NewXDPAttachSpec(xdpIface, ifindex)
		if err != nil {
			return nil, err
		}
		return spec.WithFlags(uint32(xdpFlags)), nil
	}
}

func cmdAttach(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	common := registerCommon(fs)
	kprobe := fs.String("kprobe", "", "attach to a kernel function entry")
	kretprobe := fs.String("kretprobe", "", "attach to a kernel function return")
	tracepoint := fs.String("tracepoint", "", "attach to a tracepoint, GROUP/NAME")
	rawTP := fs.String("raw-tracepoint", "", "attach to a raw tracepoint")
	xdpIface := fs.String("xdp", "", "attach to a network interface")
	xdpFlags := fs.Uint("xdp-flags", 0, "XDP attach flags")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: attach [flags] <program-name>")
	}
	name := fs.Arg(0)

	attachSpec, err := parseAttachSpec(*kprobe, *kretprobe, *tracepoint, *rawTP, *xdpIface, *xdpFlags)
	if err != nil {
		return err
	}

	l, cleanup, err := common.newLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	prog, err := l.OpenPinned(ctx, name)
	if err != nil {
		return err
	}
	defer prog.Close()

	link, err := l.AttachPinned(ctx, prog, attachSpec)
	if err != nil {
		return err
	}
	defer link.Close()

	fmt.Printf("attached %s to %s; press Ctrl-C to detach\n", name, attachSpec.Hook())
	<-ctx.Done()
	return nil
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	common := registerCommon(fs)
	withMaps := fs.Bool("maps", false, "include map records")
	withPins := fs.Bool("pins", false, "cross-check pins on the filesystem against the store")
	fs.Parse(args)

	l, cleanup, err := common.newLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	progs, err := l.List(ctx)
	if err != nil {
		return err
	}

	if *withPins {
		if err := reportStalePins(ctx, l.Root(), progs); err != nil {
			return err
		}
	}
	if len(progs) == 0 {
		fmt.Println("no programs loaded")
		return nil
	}

	type listing struct {
		Program any   `json:"program"`
		Maps    []any `json:"maps,omitempty"`
	}
	var out []listing
	for id, rec := range progs {
		entry := listing{Program: rec}
		if *withMaps {
			maps, err := l.Maps(ctx, id)
			if err != nil {
				return err
			}
			for _, m := range maps {
				entry.Maps = append(entry.Maps, m)
			}
		}
		out = append(out, entry)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// reportStalePins scans the pin layout and prints pins the store has
// no record of, e.g. after a database loss or a load by another tool.
func reportStalePins(ctx context.Context, root bpffs.Root, progs map[uint32]store.ProgramRecord) error {
	known := make(map[string]bool, len(progs))
	for _, rec := range progs {
		known[rec.Name] = true
	}

	scanner := bpffs.NewScanner(root).WithOnMalformed(func(path string, err error) {
		fmt.Fprintf(os.Stderr, "warning: malformed pin entry %s: %v\n", path, err)
	})
	state, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}

	for _, pin := range state.ProgramPins {
		if !known[pin.Name] {
			fmt.Printf("stale program pin: %s\n", pin.Path)
		}
	}
	for _, pin := range state.MapPins {
		if !known[pin.Program] {
			fmt.Printf("stale map pin: %s\n", pin.Path)
		}
	}
	return nil
}

func cmdUnload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unload", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: unload [flags] <program-name>")
	}

	l, cleanup, err := common.newLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return l.Unload(ctx, fs.Arg(0))
}

func cmdEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: events [flags] <program-name> <map-name>")
	}

	l, cleanup, err := common.newLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	reader, err := l.EventsPinned(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		rec, err := reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%d bytes: %x\n", len(rec), rec)
	}
}

func ifindexOf(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return iface.Index, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "load":
		err = cmdLoad(ctx, os.Args[2:])
	case "attach":
		err = cmdAttach(ctx, os.Args[2:])
	case "list":
		err = cmdList(ctx, os.Args[2:])
	case "unload":
		err = cmdUnload(ctx, os.Args[2:])
	case "events":
		err = cmdEvents(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
