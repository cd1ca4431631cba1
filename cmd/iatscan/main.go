// Command iatscan lists the import slots a hook for a library function would
// patch in image files, and optionally what the library itself exports.
//
//	iatscan -lib kernel32.dll -fn LoadLibraryW app.exe helper.dll
//	iatscan -exports -fn Load C:\Windows\System32\kernel32.dll
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	saferwall "github.com/saferwall/pe"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"apihook/internal/config"
	"apihook/internal/image"
	"apihook/internal/log"
)

var (
	library  string
	function string
	exports  bool
)

func main() {
	flag.StringVar(&library, "lib", "", "imported library name, any when empty")
	flag.StringVar(&function, "fn", "", "function name, any when empty")
	flag.BoolVar(&exports, "exports", false, "list the exports of the files instead of their imports")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := log.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var w = tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	var failed bool
	for _, path := range flag.Args() {
		var err error
		if exports {
			err = listExports(w, path, function)
		} else {
			err = listImports(w, path, library, function)
		}
		if err != nil {
			log.L().Warn("scan failed", zap.String("file", path), log.FieldError(err))
			failed = true
		}
	}
	w.Flush()
	if failed {
		os.Exit(1)
	}
}

func listImports(w io.Writer, path, lib, fn string) error {
	f, err := image.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := scan(f, lib, fn)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%#x\n", path, e.Library, symbol(e), e.RVA)
	}
	return nil
}

// scan returns the import slots of f matching lib and fn. Empty filters
// match everything.
func scan(f *image.File, lib, fn string) ([]image.Entry, error) {
	img, st := f.Image()
	if st != image.Present {
		return nil, errors.Newf("headers %s", st)
	}
	dir, st := img.ImportDirectory()
	switch st {
	case image.Present:
	case image.Absent:
		return nil, nil
	default:
		return nil, errors.Newf("import directory %s", st)
	}
	all, err := dir.All()
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(e image.Entry, _ int) bool {
		return (lib == "" || strings.EqualFold(e.Library, lib)) &&
			(fn == "" || e.Name == fn || symbol(e) == fn)
	}), nil
}

func symbol(e image.Entry) string {
	if e.ByOrdinal {
		return fmt.Sprintf("#%d", e.Ordinal)
	}
	return e.Name
}

func listExports(w io.Writer, path, prefix string) error {
	f, err := saferwall.New(path, &saferwall.Options{})
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}

	for _, e := range f.Export.Functions {
		if !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%#x\n", f.Export.Name, e.Ordinal, e.Name, e.FunctionRVA)
	}
	return nil
}
