package main

import (
	"bytes"
	"context"
	"debug/elf"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/plash/internal/loader"
	"github.com/tinyrange/plash/internal/plash"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "plash: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	imagePath := flag.String("image", "", "Flash image to boot")
	configPath := flag.String("config", "", "Board configuration (YAML)")
	list := flag.Bool("list", false, "List the applications in the image and exit")
	verbose := flag.Bool("v", false, "Enable debug logging")
	progress := flag.Bool("progress", true, "Show a progress bar while loading (terminals only)")
	allocator := flag.String("allocator", "", "Override the frame allocator (bitmap, early)")
	dumpDTB := flag.String("dump-dtb", "", "Write the board device tree to this file")
	maxSteps := flag.Uint64("max-steps", 0, "Override the per-application instruction limit (0 keeps the config value)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [image]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot every application bundled in a flash image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *imagePath == "" && flag.NArg() == 1 {
		*imagePath = flag.Arg(0)
	}
	if *imagePath == "" || flag.NArg() > 1 {
		flag.Usage()
		return fmt.Errorf("exactly one image is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := loader.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loader.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *allocator != "" {
		cfg.Allocator = *allocator
	}
	if *maxSteps != 0 {
		cfg.MaxSteps = *maxSteps
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	image, unmap, err := mapImage(*imagePath)
	if err != nil {
		return fmt.Errorf("map image: %w", err)
	}
	defer unmap()

	if *list {
		return listApps(image)
	}

	var bar *progressbar.ProgressBar
	opts := loader.Options{Console: os.Stdout, Logger: slog.Default()}
	if *progress && term.IsTerminal(int(os.Stderr.Fd())) {
		dir, err := plash.ReadDirectory(image)
		if err != nil {
			return err
		}
		bar = progressbar.NewOptions(dir.Len(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("loading"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		opts.OnLoaded = func(app *loader.App) {
			bar.Add(1)
		}
	}

	l, err := loader.New(cfg, image, opts)
	if err != nil {
		return err
	}
	defer l.Close()

	if *dumpDTB != "" {
		if err := os.WriteFile(*dumpDTB, l.Machine().DeviceTree, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Debug("device tree written", "path", *dumpDTB, "bytes", len(l.Machine().DeviceTree))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.Debug("booting", "apps", l.Directory().Len(), "flash", cfg.FlashBase.String())
	results, err := l.Run(ctx)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		slog.Info("application finished", "app", r.Name, "status", r.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d applications failed", failed, len(results))
	}
	return nil
}

func listApps(image []byte) error {
	dir, err := plash.ReadDirectory(image)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tOFFSET\tSIZE\tTYPE\tENTRY\tSEGMENTS")
	for _, e := range dir.Entries() {
		typ, entry, segs := "?", "-", "-"
		if f, err := elf.NewFile(bytes.NewReader(dir.Payload(e.Index))); err == nil {
			n := 0
			for _, p := range f.Progs {
				if p.Type == elf.PT_LOAD {
					n++
				}
			}
			typ, entry, segs = f.Type.String(), fmt.Sprintf("%#x", f.Entry), fmt.Sprint(n)
		}
		fmt.Fprintf(w, "%d\t%#x\t%d\t%s\t%s\t%s\n", e.Index, e.Offset, e.Size, typ, entry, segs)
	}
	return w.Flush()
}
