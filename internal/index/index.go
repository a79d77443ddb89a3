// Package index writes the landing page that links to every language
// catalog of a documentation build.
package index

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

//go:embed templates/index.html
var templates embed.FS

var page = template.Must(template.ParseFS(templates, "templates/index.html"))

// ErrExists is returned when index.html is already present and overwriting
// was not requested.
var ErrExists = errors.New("index page already exists")

// skipped entries are part of the site, not catalogs.
var skipped = map[string]bool{
	"css":        true,
	"img":        true,
	"index.html": true,
}

// Catalog is one language directory of the build.
type Catalog struct {
	Dir  string
	Lang string
	Name string
}

// Options controls Generate.
type Options struct {
	// Force overwrites an existing index.html.
	Force bool
	// DryRun writes the page to Out instead of the build directory.
	DryRun bool
	Out    io.Writer
	Logger *slog.Logger
}

// Catalogs lists the language directories in dir sorted by display name.
func Catalogs(dir string) ([]Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var catalogs []Catalog
	for _, e := range entries {
		if skipped[e.Name()] {
			continue
		}
		catalogs = append(catalogs, catalogFor(e.Name()))
	}

	c := collate.New(language.Und, collate.IgnoreCase)
	sort.Slice(catalogs, func(i, j int) bool {
		if n := c.CompareString(catalogs[i].Name, catalogs[j].Name); n != 0 {
			return n < 0
		}
		return catalogs[i].Dir < catalogs[j].Dir
	})
	return catalogs, nil
}

// catalogFor names a catalog directory. Directories are POSIX locale
// names such as pt_BR or sr@latin; the C locale holds the untranslated
// English pages.
func catalogFor(entry string) Catalog {
	tag, ok := localeTag(entry)
	if !ok {
		return Catalog{Dir: entry, Lang: entry, Name: entry}
	}

	name := display.Self.Name(tag)
	if name == "" {
		name = display.English.Tags().Name(tag)
	}
	if name == "" {
		name = entry
	}
	return Catalog{Dir: entry, Lang: tag.String(), Name: name}
}

func localeTag(locale string) (language.Tag, bool) {
	if locale == "C" || locale == "POSIX" {
		return language.English, true
	}

	locale, modifier, _ := strings.Cut(locale, "@")
	locale, _, _ = strings.Cut(locale, ".")
	bcp := strings.ReplaceAll(locale, "_", "-")
	if modifier == "latin" {
		bcp += "-Latn"
	}

	tag, err := language.Parse(bcp)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}

// Generate renders the index page for the build directory dir.
func Generate(dir string, opts Options) ([]Catalog, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	path := filepath.Join(dir, "index.html")
	if !opts.DryRun && !opts.Force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	catalogs, err := Catalogs(dir)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, catalogs); err != nil {
		return nil, fmt.Errorf("rendering index page: %w", err)
	}

	if opts.DryRun {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		if _, err := buf.WriteTo(out); err != nil {
			return nil, fmt.Errorf("writing index page: %w", err)
		}
		return catalogs, nil
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("writing index page: %w", err)
	}
	log.Info("wrote index page", "path", path, "catalogs", len(catalogs))
	return catalogs, nil
}
