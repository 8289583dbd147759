package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lysShub/mlibrary"
	"github.com/lysShub/mlibrary/memorymodule"
	"github.com/saferwall/pe"
	"github.com/saferwall/pe/log"
)

const usage = `usage: mlibrary [-v] command [flags] FILE

commands:
  inspect FILE                                  print headers, sections, imports and exports
  load [-proc NAME] [-ordinal N] [-string ID] FILE  load FILE from memory and query it
  run FILE                                      load an executable and call its entry point
`

func mainE() error {
	var verbose bool
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	if verbose {
		memorymodule.SetLogger(log.NewStdLogger(os.Stderr))
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "inspect":
		return inspect(os.Stdout, args[1:])
	case "load":
		return load(args[1:])
	case "run":
		return run(args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func fileArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("got %d arguments, expected 1", fs.NArg())
	}
	return fs.Arg(0), nil
}

func inspect(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Parse(args)
	path, err := fileArg(fs)
	if err != nil {
		return err
	}

	f, err := pe.New(path, &pe.Options{})
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Fprintf(w, "machine 0x%04x, 64-bit %t, dll %t\n", f.NtHeader.FileHeader.Machine, f.Is64, f.IsDLL())
	fmt.Fprintln(w, "sections:")
	for _, s := range f.Sections {
		fmt.Fprintf(w, "  %-8s rva 0x%08x size 0x%08x flags 0x%08x\n",
			s.NameString(), s.Header.VirtualAddress, s.Header.VirtualSize, s.Header.Characteristics)
	}
	if len(f.Imports) > 0 {
		fmt.Fprintln(w, "imports:")
	}
	for _, imp := range f.Imports {
		var names []string
		for _, fn := range imp.Functions {
			if fn.ByOrdinal {
				names = append(names, fmt.Sprintf("#%d", fn.Ordinal))
			} else {
				names = append(names, fn.Name)
			}
		}
		fmt.Fprintf(w, "  %s: %s\n", imp.Name, strings.Join(names, ", "))
	}
	if len(f.Export.Functions) > 0 {
		fmt.Fprintf(w, "exports of %s:\n", f.Export.Name)
	}
	for _, fn := range f.Export.Functions {
		if fn.Forwarder != "" {
			fmt.Fprintf(w, "  %4d %s -> %s\n", fn.Ordinal, fn.Name, fn.Forwarder)
		} else {
			fmt.Fprintf(w, "  %4d %s 0x%08x\n", fn.Ordinal, fn.Name, fn.FunctionRVA)
		}
	}
	return nil
}

func load(args []string) error {
	var proc, str string
	var ordinal uint
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	fs.StringVar(&proc, "proc", "", "Export to resolve")
	fs.UintVar(&ordinal, "ordinal", 0, "Export ordinal to resolve")
	fs.StringVar(&str, "string", "", "String resource id to print")
	fs.Parse(args)
	path, err := fileArg(fs)
	if err != nil {
		return err
	}

	dll, err := mlibrary.LoadFile(path)
	if err != nil {
		return err
	}
	defer dll.Release()
	fmt.Printf("%s loaded at 0x%x\n", dll.Name, dll.Handle)

	if proc != "" {
		p, err := dll.FindProc(proc)
		if err != nil {
			return err
		}
		fmt.Printf("%s 0x%x\n", p.Name, p.Addr())
	}
	if ordinal != 0 {
		if ordinal > 0xffff {
			return fmt.Errorf("ordinal %d out of range", ordinal)
		}
		p, err := dll.FindProcByOrdinal(uint16(ordinal))
		if err != nil {
			return err
		}
		fmt.Printf("%s 0x%x\n", p.Name, p.Addr())
	}
	if str != "" {
		var id uint32
		if _, err := fmt.Sscan(str, &id); err != nil {
			return fmt.Errorf("string id %q: %w", str, err)
		}
		s, err := dll.LoadString(id)
		if err != nil {
			return err
		}
		fmt.Printf("%d %q\n", id, s)
	}
	return nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)
	path, err := fileArg(fs)
	if err != nil {
		return err
	}

	dll, err := mlibrary.LoadFile(path)
	if err != nil {
		return err
	}
	defer dll.Release()
	return dll.Run()
}

func main() {
	if err := mainE(); err != nil {
		var exit *memorymodule.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
