package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	aurora "github.com/auroraos/aurora"
	"golang.org/x/term"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aurora-exec: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	layoutPath := flag.String("layout", "", "Link contract YAML file (default: built-in layout)")
	heapPages := flag.Uint64("heap-pages", 0, "Heap lease size in pages (default 16)")
	poolPages := flag.Uint64("pool-pages", 1024, "Physical frame pool size in pages")
	flat := flag.Bool("flat", false, "Treat the image as a raw pinned-address text payload")
	rodataPath := flag.String("rodata", "", "Raw rodata payload (only with -flat)")
	dryRun := flag.Bool("dry-run", false, "Validate and print the address-space map without running")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Load a fixed-address static image and run it under KVM.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s payload.elf\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -flat -rodata strings.bin payload.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dry-run payload.elf\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: *debug && !term.IsTerminal(int(os.Stderr.Fd())),
	})))

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return 0, fmt.Errorf("image path required")
	}
	imagePath := args[0]

	opts := []aurora.Option{
		aurora.WithPoolPages(*poolPages),
		aurora.WithHeapPages(*heapPages),
	}
	if *layoutPath != "" {
		l, err := aurora.ReadLayout(*layoutPath)
		if err != nil {
			return 0, fmt.Errorf("read layout: %w", err)
		}
		opts = append(opts, aurora.WithLayout(l))
	}

	rt, err := aurora.New(opts...)
	if err != nil {
		return 0, err
	}

	var h *aurora.Handle
	if *flat {
		text, err := os.ReadFile(imagePath)
		if err != nil {
			return 0, fmt.Errorf("read text payload: %w", err)
		}
		var rodata []byte
		if *rodataPath != "" {
			rodata, err = os.ReadFile(*rodataPath)
			if err != nil {
				return 0, fmt.Errorf("read rodata payload: %w", err)
			}
		}
		h, err = rt.LoadFlat(text, rodata)
		if err != nil {
			return 0, err
		}
	} else {
		if *rodataPath != "" {
			return 0, fmt.Errorf("-rodata requires -flat")
		}
		h, err = rt.LoadELFFile(imagePath)
		if err != nil {
			return 0, err
		}
	}

	if *dryRun {
		printAddressSpace(h)
		return 0, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := h.Run(ctx)
	if err != nil {
		return 0, err
	}
	fmt.Println(rep)

	if err := rt.Close(); err != nil {
		return 0, err
	}

	switch rep.Disposition {
	case aurora.NormalExit:
		return rep.ExitCode, nil
	case aurora.Aborted:
		return 134, nil
	default:
		return 139, nil
	}
}

func printAddressSpace(h *aurora.Handle) {
	proc := h.Context()
	start := proc.StartState()
	fmt.Printf("entry     %#x\n", start.Entry)
	fmt.Printf("stack top %#x\n", start.StackTop)
	fmt.Printf("heap base %#x (%d bytes)\n", proc.Heap().Base(), len(proc.Heap().Window()))
	for _, m := range proc.AddressSpace().Mappings() {
		fmt.Printf("%-8s %#010x-%#010x %s\n", m.Name, m.Addr, m.End(), m.Prot)
	}
}
