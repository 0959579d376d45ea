// Command sqllint audits the SQL string constants of the tree. Every
// constant containing a SQL statement must open with a "--sql <uuid>"
// marker line, and no two constants may share a marker: the marker is what
// ties a statement seen in production logs back to its constant, which only
// works while markers stay unique.
//
//	go run ./internal/tools/sqllint ./internal/...
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlPattern    = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with|create)\b`)
	markerPattern = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// site locates one SQL constant.
type site struct {
	file string
	line int
	name string
}

func (s site) String() string {
	return fmt.Sprintf("%s:%d (%s)", s.file, s.line, s.name)
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"."}
	}

	var files []string
	for _, target := range targets {
		target = strings.TrimSuffix(target, "/...")
		found, err := collectFiles(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
			os.Exit(1)
		}
		files = append(files, found...)
	}

	var missing []site
	markers := make(map[string][]site)
	for _, file := range files {
		if err := lintFile(file, &missing, markers); err != nil {
			fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
			os.Exit(1)
		}
	}

	failed := false
	if len(missing) > 0 {
		failed = true
		fmt.Fprintln(os.Stderr, "sqllint: SQL constants without a valid --sql <uuid> marker:")
		for _, s := range missing {
			fmt.Fprintf(os.Stderr, "  %s\n", s)
		}
	}

	var dupes []string
	for marker, sites := range markers {
		if len(sites) > 1 {
			dupes = append(dupes, marker)
		}
	}
	sort.Strings(dupes)
	if len(dupes) > 0 {
		failed = true
		fmt.Fprintln(os.Stderr, "sqllint: markers shared by more than one constant:")
		for _, marker := range dupes {
			fmt.Fprintf(os.Stderr, "  %s\n", marker)
			for _, s := range markers[marker] {
				fmt.Fprintf(os.Stderr, "    %s\n", s)
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}

// collectFiles gathers the .go files under target, skipping hidden,
// underscore-prefixed and vendored directories the toolchain would skip too.
func collectFiles(target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if filepath.Ext(target) != ".go" {
			return nil, nil
		}
		return []string{target}, nil
	}

	var files []string
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "vendor" || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".go" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// lintFile records every SQL constant in the file, appending marker-less
// ones to missing and indexing valid markers for the duplicate check.
func lintFile(path string, missing *[]site, markers map[string][]site) error {
	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return err
	}

	ast.Inspect(parsed, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			lit, ok := value.(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}
			text, err := unquoteLit(lit.Value)
			if err != nil || !sqlPattern.MatchString(text) {
				continue
			}

			pos := fset.Position(lit.Pos())
			s := site{file: path, line: pos.Line, name: specName(vs, i)}

			marker := markerLine(text)
			if !markerPattern.MatchString(marker) {
				*missing = append(*missing, s)
				continue
			}
			id := strings.TrimPrefix(marker, "--sql ")
			markers[id] = append(markers[id], s)
		}
		return true
	})
	return nil
}

// markerLine returns the first non-blank line of the constant.
func markerLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func specName(vs *ast.ValueSpec, i int) string {
	if i < len(vs.Names) && vs.Names[i] != nil {
		return vs.Names[i].Name
	}
	if len(vs.Names) > 0 && vs.Names[0] != nil {
		return vs.Names[0].Name
	}
	return "_"
}

func unquoteLit(raw string) (string, error) {
	if strings.HasPrefix(raw, "`") {
		return strings.Trim(raw, "`"), nil
	}
	return strconv.Unquote(raw)
}
