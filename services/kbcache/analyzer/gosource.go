// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/kbcache/services/kbcache/facts"
	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// DefaultMaxFileSize skips generated tables and other huge files.
const DefaultMaxFileSize = 2 << 20

// progressInterval spaces out parse progress logs on large toolchains.
const progressInterval = 5 * time.Second

var analyzerTracer = otel.Tracer("kbcache.analyzer")

var filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kbcache_analyzer_files_total",
	Help: "Source files seen by the analyzer by result",
}, []string{"result"})

// GoSourceAnalyzer extracts API facts from Go source with tree-sitter.
//
// Description:
//
//	Files are parsed in parallel; facts are then inserted sequentially
//	from the calling goroutine, which acts for the knowledge base owner.
//	Only exported declarations are recorded:
//
//	  info           module -> package summary (JSON)
//	  types          module.Func / module.Type.Method -> signature
//	  contracts      module.Interface -> method set
//	  callbacks      module.FuncType -> function type
//	  exportedTypes  module.Type -> kind
//
//	Unreadable, oversized and syntactically broken files become warnings.
//
// Thread Safety: Safe for concurrent use; holds no per-call state.
type GoSourceAnalyzer struct {
	// Parallelism bounds concurrent parses. Default: GOMAXPROCS.
	Parallelism int

	// MaxFileSize skips larger files. Default: DefaultMaxFileSize.
	MaxFileSize int64

	// Logger for progress. Default: slog.Default().
	Logger *slog.Logger
}

// packageSummary is the info table value.
type packageSummary struct {
	Package string   `json:"package"`
	Files   int      `json:"files"`
	Imports []string `json:"imports,omitempty"`
	Funcs   int      `json:"funcs"`
	Types   int      `json:"types"`
}

// fileFacts is what one parse produces.
type fileFacts struct {
	path      string
	hash      string
	pkg       string
	imports   []string
	funcs     map[string]string
	contracts map[string]string
	callbacks map[string]string
	types     map[string]string
	warning   string
	skipped   bool
}

// Analyze implements Analyzer.
func (a *GoSourceAnalyzer) Analyze(ctx context.Context, artifacts []Artifact, kb *facts.KnowledgeBase, owner *facts.Owner) (*Analysis, error) {
	start := time.Now()
	ctx, span := analyzerTracer.Start(ctx, "analyzer.GoSourceAnalyzer.Analyze",
		trace.WithAttributes(attribute.Int("artifacts", len(artifacts))),
	)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, a.logger())

	total := 0
	for _, art := range artifacts {
		total += len(art.Files)
	}
	var done atomic.Int64
	progress := rate.Sometimes{First: 1, Interval: progressInterval}

	// Parse everything first. Each goroutine writes only its own slot.
	parsed := make([][]fileFacts, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism())
	for i, art := range artifacts {
		parsed[i] = make([]fileFacts, len(art.Files))
		for j, path := range art.Files {
			g.Go(func() error {
				ff, err := a.parseFile(gctx, path)
				if err != nil {
					return err
				}
				parsed[i][j] = ff
				n := done.Add(1)
				progress.Do(func() {
					logger.Info("parsing sources", slog.Int64("parsed", n), slog.Int("files", total))
				})
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("parse sources: %w", err)
	}

	out := &Analysis{
		DependencyGraph: make(map[string][]string, len(artifacts)),
		FileHashes:      make(map[string]string),
	}
	fileCount := 0
	for i, art := range artifacts {
		if err := a.insertModule(kb, owner, art.Module, parsed[i], out); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		fileCount += len(art.Files)
	}
	sort.Strings(out.Warnings)

	span.SetAttributes(attribute.Int("files", fileCount), attribute.Int("warnings", len(out.Warnings)))
	logger.Info("analysis complete",
		slog.Int("modules", len(artifacts)),
		slog.Int("files", fileCount),
		slog.Int("warnings", len(out.Warnings)),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// insertModule merges the parse results of one module into kb.
func (a *GoSourceAnalyzer) insertModule(kb *facts.KnowledgeBase, owner *facts.Owner, module string, files []fileFacts, out *Analysis) error {
	pkgVotes := make(map[string]int)
	imports := make(map[string]struct{})
	summary := packageSummary{}

	insert := func(t facts.Table, key, value string) error {
		if err := kb.InsertFact(owner, t, key, []byte(value)); err != nil {
			return fmt.Errorf("insert %s %q: %w", t, key, err)
		}
		return nil
	}

	for _, ff := range files {
		if ff.warning != "" {
			out.Warnings = append(out.Warnings, ff.warning)
		}
		if ff.skipped {
			continue
		}
		out.FileHashes[ff.path] = ff.hash
		summary.Files++
		if ff.pkg != "" {
			pkgVotes[ff.pkg]++
		}
		for _, imp := range ff.imports {
			imports[imp] = struct{}{}
		}
		for _, name := range sortedKeys(ff.funcs) {
			if err := insert(facts.TableTypes, module+"."+name, ff.funcs[name]); err != nil {
				return err
			}
			summary.Funcs++
		}
		for _, name := range sortedKeys(ff.contracts) {
			if err := insert(facts.TableContracts, module+"."+name, ff.contracts[name]); err != nil {
				return err
			}
		}
		for _, name := range sortedKeys(ff.callbacks) {
			if err := insert(facts.TableCallbacks, module+"."+name, ff.callbacks[name]); err != nil {
				return err
			}
		}
		for _, name := range sortedKeys(ff.types) {
			if err := insert(facts.TableExportedTypes, module+"."+name, ff.types[name]); err != nil {
				return err
			}
			summary.Types++
		}
	}

	if summary.Files == 0 {
		return nil
	}

	summary.Package = majority(pkgVotes)
	summary.Imports = sortedKeys(imports)
	out.DependencyGraph[module] = summary.Imports

	info, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary for %s: %w", module, err)
	}
	return insert(facts.TableInfo, module, string(info))
}

// parseFile reads and parses one file. Only context cancellation is
// returned as an error; everything else becomes a warning.
func (a *GoSourceAnalyzer) parseFile(ctx context.Context, path string) (fileFacts, error) {
	if err := ctx.Err(); err != nil {
		return fileFacts{}, err
	}
	ff := fileFacts{path: path}

	info, err := os.Stat(path)
	if err != nil {
		filesTotal.WithLabelValues("unreadable").Inc()
		ff.skipped, ff.warning = true, fmt.Sprintf("%s: %v", path, err)
		return ff, nil
	}
	if info.Size() > a.maxFileSize() {
		filesTotal.WithLabelValues("too_large").Inc()
		ff.skipped, ff.warning = true, fmt.Sprintf("%s: skipped, %d bytes exceeds limit %d", path, info.Size(), a.maxFileSize())
		return ff, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		filesTotal.WithLabelValues("unreadable").Inc()
		ff.skipped, ff.warning = true, fmt.Sprintf("%s: %v", path, err)
		return ff, nil
	}
	if !utf8.Valid(content) {
		filesTotal.WithLabelValues("invalid").Inc()
		ff.skipped, ff.warning = true, fmt.Sprintf("%s: content is not valid UTF-8", path)
		return ff, nil
	}

	sum := sha256.Sum256(content)
	ff.hash = hex.EncodeToString(sum[:])

	// New parser per call; parsers are not safe for concurrent use.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fileFacts{}, ctxErr
		}
		filesTotal.WithLabelValues("invalid").Inc()
		ff.skipped, ff.warning = true, fmt.Sprintf("%s: parse failed: %v", path, err)
		return ff, nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		ff.warning = fmt.Sprintf("%s: source contains syntax errors", path)
		filesTotal.WithLabelValues("syntax_error").Inc()
	} else {
		filesTotal.WithLabelValues("ok").Inc()
	}

	ff.funcs = make(map[string]string)
	ff.contracts = make(map[string]string)
	ff.callbacks = make(map[string]string)
	ff.types = make(map[string]string)
	extract(root, content, &ff)
	return ff, nil
}

// extract walks the top-level declarations of a file.
func extract(root *sitter.Node, content []byte, ff *fileFacts) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "package_clause":
			for j := 0; j < int(child.ChildCount()); j++ {
				if n := child.Child(j); n.Type() == "package_identifier" {
					ff.pkg = n.Content(content)
				}
			}
		case "import_declaration":
			extractImports(child, content, ff)
		case "function_declaration":
			extractFunc(child, content, ff)
		case "method_declaration":
			extractMethod(child, content, ff)
		case "type_declaration":
			for j := 0; j < int(child.ChildCount()); j++ {
				if spec := child.Child(j); spec.Type() == "type_spec" || spec.Type() == "type_alias" {
					extractTypeSpec(spec, content, ff)
				}
			}
		}
	}
}

func extractImports(node *sitter.Node, content []byte, ff *fileFacts) {
	var specs []*sitter.Node
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import_spec":
			specs = append(specs, child)
		case "import_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				if spec := child.Child(j); spec.Type() == "import_spec" {
					specs = append(specs, spec)
				}
			}
		}
	}
	for _, spec := range specs {
		for i := 0; i < int(spec.ChildCount()); i++ {
			if c := spec.Child(i); c.Type() == "interpreted_string_literal" {
				if p := strings.Trim(c.Content(content), "\""); p != "" && p != "C" {
					ff.imports = append(ff.imports, p)
				}
			}
		}
	}
}

func extractFunc(node *sitter.Node, content []byte, ff *fileFacts) {
	name := fieldContent(node, "name", content)
	if !exported(name) {
		return
	}
	ff.funcs[name] = "func" + signature(node, content)
}

func extractMethod(node *sitter.Node, content []byte, ff *fileFacts) {
	name := fieldContent(node, "name", content)
	recv := receiverType(node.ChildByFieldName("receiver"), content)
	if !exported(name) || !exported(recv) {
		return
	}
	ff.funcs[recv+"."+name] = "func" + signature(node, content)
}

// signature renders type parameters, parameters and results of a function
// or method declaration, or of a method_elem.
func signature(node *sitter.Node, content []byte) string {
	var b strings.Builder
	if tp := node.ChildByFieldName("type_parameters"); tp != nil {
		b.WriteString(tp.Content(content))
	}
	if params := node.ChildByFieldName("parameters"); params != nil {
		b.WriteString(compact(params.Content(content)))
	}
	if result := node.ChildByFieldName("result"); result != nil {
		b.WriteByte(' ')
		b.WriteString(compact(result.Content(content)))
	}
	return b.String()
}

func extractTypeSpec(spec *sitter.Node, content []byte, ff *fileFacts) {
	name := fieldContent(spec, "name", content)
	if !exported(name) {
		return
	}
	typ := spec.ChildByFieldName("type")
	if typ == nil {
		return
	}

	kind := "named"
	if spec.Type() == "type_alias" {
		kind = "alias"
	}
	switch typ.Type() {
	case "struct_type":
		kind = "struct"
	case "interface_type":
		kind = "interface"
		ff.contracts[name] = methodSet(typ, content)
	case "function_type":
		kind = "func"
		ff.callbacks[name] = compact(typ.Content(content))
	}
	ff.types[name] = kind
}

// methodSet renders the methods and embedded constraints of an interface,
// one per line, sorted.
func methodSet(iface *sitter.Node, content []byte) string {
	var lines []string
	for i := 0; i < int(iface.NamedChildCount()); i++ {
		child := iface.NamedChild(i)
		switch child.Type() {
		case "method_elem", "method_spec":
			name := fieldContent(child, "name", content)
			lines = append(lines, name+signature(child, content))
		case "comment":
		default:
			lines = append(lines, compact(child.Content(content)))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// receiverType returns the base type name of a method receiver list such
// as "(s *Server[T])".
func receiverType(recv *sitter.Node, content []byte) string {
	if recv == nil {
		return ""
	}
	text := strings.Trim(recv.Content(content), "()")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	t := strings.TrimLeft(fields[len(fields)-1], "*")
	if i := strings.IndexByte(t, '['); i >= 0 {
		t = t[:i]
	}
	return t
}

func fieldContent(node *sitter.Node, field string, content []byte) string {
	if n := node.ChildByFieldName(field); n != nil {
		return n.Content(content)
	}
	return ""
}

func exported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return r != utf8.RuneError && unicode.IsUpper(r)
}

// compact collapses whitespace runs so multi-line signatures render on one
// line.
func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func majority(votes map[string]int) string {
	best, n := "", 0
	for _, name := range sortedKeys(votes) {
		if votes[name] > n {
			best, n = name, votes[name]
		}
	}
	return best
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *GoSourceAnalyzer) parallelism() int {
	if a.Parallelism > 0 {
		return a.Parallelism
	}
	return runtime.GOMAXPROCS(0)
}

func (a *GoSourceAnalyzer) maxFileSize() int64 {
	if a.MaxFileSize > 0 {
		return a.MaxFileSize
	}
	return DefaultMaxFileSize
}

func (a *GoSourceAnalyzer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
