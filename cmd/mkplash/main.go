package main

import (
	"bytes"
	"debug/elf"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/plash/internal/plash"
)

// Manifest lists the applications of an image in directory order.
type Manifest struct {
	Apps []ManifestApp `yaml:"apps"`
}

type ManifestApp struct {
	Path string `yaml:"path"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkplash: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("o", "flash.img", "Output image")
	manifest := flag.String("manifest", "", "YAML manifest listing the applications")
	force := flag.Bool("force", false, "Bundle files that are not RISC-V ELF64 executables")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [app.elf...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bundle application binaries into a flash image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	paths := flag.Args()
	if *manifest != "" {
		m, err := readManifest(*manifest)
		if err != nil {
			return err
		}
		for _, app := range m.Apps {
			paths = append(paths, app.Path)
		}
	}
	if len(paths) == 0 {
		flag.Usage()
		return fmt.Errorf("no applications given")
	}

	apps := make([][]byte, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := checkApp(data); err != nil {
			if !*force {
				return fmt.Errorf("%s: %w", path, err)
			}
			slog.Warn("bundling non-executable", "path", path, "err", err)
		}
		slog.Debug("adding application", "index", i, "path", path, "size", len(data))
		apps = append(apps, data)
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	n, err := plash.Write(f, apps...)
	if err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", *out, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("image written", "path", *out, "apps", len(apps), "bytes", n)
	return nil
}

// readManifest decodes a manifest. Relative paths are taken from the
// manifest's directory.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i, app := range m.Apps {
		if app.Path == "" {
			return nil, fmt.Errorf("%s: apps[%d] has no path", path, i)
		}
		if !filepath.IsAbs(app.Path) {
			m.Apps[i].Path = filepath.Join(base, app.Path)
		}
	}
	return &m, nil
}

func checkApp(data []byte) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return fmt.Errorf("%s %s is not a RISC-V ELF64 file", f.Class, f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return fmt.Errorf("ELF type %s is not executable", f.Type)
	}
	return nil
}
