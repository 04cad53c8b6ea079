package patch

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"autopack/internal/logging"
)

// Symbol is one named top-level declaration.
type Symbol struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// ID returns the symbol's stable identity, e.g. "func:Apply" or
// "method:Engine.Apply".
func (s Symbol) ID() string {
	return s.Kind + ":" + s.Name
}

// Skeleton is a file's structural outline: its top-level symbols and
// import set.
type Skeleton struct {
	Language string
	Symbols  []Symbol
	Imports  []string
}

// SymbolSet returns the symbol IDs as a set.
func (sk *Skeleton) SymbolSet() map[string]bool {
	set := make(map[string]bool, len(sk.Symbols))
	for _, s := range sk.Symbols {
		set[s.ID()] = true
	}
	return set
}

// Entries returns every skeleton element (symbols and imports) as strings,
// the unit of comparison for structural similarity.
func (sk *Skeleton) Entries() []string {
	out := make([]string, 0, len(sk.Symbols)+len(sk.Imports))
	for _, s := range sk.Symbols {
		out = append(out, s.ID())
	}
	for _, imp := range sk.Imports {
		out = append(out, "import:"+imp)
	}
	return out
}

// overlapRatio returns the fraction of the original skeleton's entries
// still present in the new one. ok is false when the original has no
// entries to compare against.
func overlapRatio(orig, updated *Skeleton) (ratio float64, ok bool) {
	origEntries := orig.Entries()
	if len(origEntries) == 0 {
		return 0, false
	}
	newSet := make(map[string]bool)
	for _, e := range updated.Entries() {
		newSet[e] = true
	}
	kept := 0
	for _, e := range origEntries {
		if newSet[e] {
			kept++
		}
	}
	return float64(kept) / float64(len(origEntries)), true
}

// Extractor builds skeletons with tree-sitter grammars for Go, Python, and
// JavaScript/TypeScript; everything else falls back to a line-based scan.
// Parsers are reused per language and are not safe for concurrent use, so
// extraction is serialized.
type Extractor struct {
	mu      sync.Mutex
	parsers map[string]*sitter.Parser
}

// NewExtractor creates an extractor; parsers are allocated on first use.
func NewExtractor() *Extractor {
	return &Extractor{parsers: make(map[string]*sitter.Parser)}
}

// Close releases all parser resources.
func (e *Extractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.parsers {
		p.Close()
	}
	e.parsers = make(map[string]*sitter.Parser)
}

// Extract builds the skeleton for one file. It never fails: unknown
// languages and unparseable content degrade to the regex fallback.
func (e *Extractor) Extract(path string, content []byte) *Skeleton {
	lang := languageForPath(path)
	if lang == "" {
		return fallbackSkeleton("", content)
	}
	sk := e.parse(lang, content)
	if sk == nil {
		logging.PatchDebug("skeleton: %s fell back to line scan", filepath.Base(path))
		return fallbackSkeleton(lang, content)
	}
	return sk
}

func (e *Extractor) parse(lang string, content []byte) *Skeleton {
	e.mu.Lock()
	defer e.mu.Unlock()

	parser, ok := e.parsers[lang]
	if !ok {
		parser = sitter.NewParser()
		parser.SetLanguage(grammarFor(lang))
		e.parsers[lang] = parser
	}

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil
	}
	defer tree.Close()
	root := tree.RootNode()
	if root == nil {
		return nil
	}

	sk := &Skeleton{Language: lang}
	switch lang {
	case "go":
		extractGo(root, content, sk)
	case "python":
		extractPython(root, content, sk)
	case "javascript":
		extractScript(root, content, sk, false)
	case "typescript":
		extractScript(root, content, sk, true)
	}

	// A heavily broken parse yields nothing useful; let the fallback try.
	if root.HasError() && len(sk.Symbols) == 0 && len(sk.Imports) == 0 {
		return nil
	}
	return sk
}

func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	default:
		return ""
	}
}

func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

func extractGo(root *sitter.Node, src []byte, sk *Skeleton) {
	text := func(n *sitter.Node) string { return n.Content(src) }

	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch n.Type() {
		case "function_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				sk.Symbols = append(sk.Symbols, Symbol{Kind: "func", Name: text(name)})
			}
		case "method_declaration":
			name := n.ChildByFieldName("name")
			recv := n.ChildByFieldName("receiver")
			if name != nil && recv != nil {
				sk.Symbols = append(sk.Symbols, Symbol{Kind: "method", Name: goReceiverType(recv, src) + "." + text(name)})
			}
		case "type_declaration":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				if name := n.NamedChild(j).ChildByFieldName("name"); name != nil {
					sk.Symbols = append(sk.Symbols, Symbol{Kind: "type", Name: text(name)})
				}
			}
		case "var_declaration", "const_declaration":
			kind := "var"
			if n.Type() == "const_declaration" {
				kind = "const"
			}
			for j := 0; j < int(n.NamedChildCount()); j++ {
				spec := n.NamedChild(j)
				for k := 0; k < int(spec.NamedChildCount()); k++ {
					if id := spec.NamedChild(k); id.Type() == "identifier" {
						sk.Symbols = append(sk.Symbols, Symbol{Kind: kind, Name: text(id)})
					}
				}
			}
		case "import_declaration":
			collectGoImports(n, src, sk)
		}
	}
}

func collectGoImports(n *sitter.Node, src []byte, sk *Skeleton) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "import_spec":
			if path := child.ChildByFieldName("path"); path != nil {
				sk.Imports = append(sk.Imports, strings.Trim(path.Content(src), `"`))
			}
		case "import_spec_list":
			collectGoImports(child, src, sk)
		}
	}
}

// goReceiverType extracts a stable receiver type name: pointer markers,
// generic parameters, and the receiver variable are stripped.
func goReceiverType(recv *sitter.Node, src []byte) string {
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		decl := recv.NamedChild(i)
		if decl.Type() != "parameter_declaration" {
			continue
		}
		typ := decl.ChildByFieldName("type")
		if typ == nil {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(typ.Content(src)), "*"))
		if idx := strings.IndexByte(name, '['); idx > 0 {
			name = name[:idx]
		}
		return name
	}
	return strings.Trim(recv.Content(src), "()")
}

func extractPython(root *sitter.Node, src []byte, sk *Skeleton) {
	text := func(n *sitter.Node) string { return n.Content(src) }

	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() == "decorated_definition" {
			if def := n.ChildByFieldName("definition"); def != nil {
				n = def
			}
		}
		switch n.Type() {
		case "function_definition":
			if name := n.ChildByFieldName("name"); name != nil {
				sk.Symbols = append(sk.Symbols, Symbol{Kind: "func", Name: text(name)})
			}
		case "class_definition":
			if name := n.ChildByFieldName("name"); name != nil {
				sk.Symbols = append(sk.Symbols, Symbol{Kind: "class", Name: text(name)})
			}
		case "import_statement":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				child := n.NamedChild(j)
				switch child.Type() {
				case "dotted_name":
					sk.Imports = append(sk.Imports, text(child))
				case "aliased_import":
					if name := child.ChildByFieldName("name"); name != nil {
						sk.Imports = append(sk.Imports, text(name))
					}
				}
			}
		case "import_from_statement":
			if mod := n.ChildByFieldName("module_name"); mod != nil {
				sk.Imports = append(sk.Imports, text(mod))
			}
		}
	}
}

func extractScript(root *sitter.Node, src []byte, sk *Skeleton, ts bool) {
	text := func(n *sitter.Node) string { return n.Content(src) }

	var handle func(n *sitter.Node)
	handle = func(n *sitter.Node) {
		switch n.Type() {
		case "function_declaration", "generator_function_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				sk.Symbols = append(sk.Symbols, Symbol{Kind: "func", Name: text(name)})
			}
		case "class_declaration", "abstract_class_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				sk.Symbols = append(sk.Symbols, Symbol{Kind: "class", Name: text(name)})
			}
		case "interface_declaration":
			if ts {
				if name := n.ChildByFieldName("name"); name != nil {
					sk.Symbols = append(sk.Symbols, Symbol{Kind: "interface", Name: text(name)})
				}
			}
		case "type_alias_declaration":
			if ts {
				if name := n.ChildByFieldName("name"); name != nil {
					sk.Symbols = append(sk.Symbols, Symbol{Kind: "type", Name: text(name)})
				}
			}
		case "enum_declaration":
			if ts {
				if name := n.ChildByFieldName("name"); name != nil {
					sk.Symbols = append(sk.Symbols, Symbol{Kind: "enum", Name: text(name)})
				}
			}
		case "lexical_declaration", "variable_declaration":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				decl := n.NamedChild(j)
				if decl.Type() != "variable_declarator" {
					continue
				}
				name := decl.ChildByFieldName("name")
				if name == nil {
					continue
				}
				kind := "binding"
				if value := decl.ChildByFieldName("value"); value != nil {
					switch value.Type() {
					case "arrow_function", "function", "function_expression":
						kind = "func"
					}
				}
				sk.Symbols = append(sk.Symbols, Symbol{Kind: kind, Name: text(name)})
			}
		case "import_statement":
			if source := n.ChildByFieldName("source"); source != nil {
				sk.Imports = append(sk.Imports, strings.Trim(text(source), `"'`))
			}
		case "export_statement":
			if decl := n.ChildByFieldName("declaration"); decl != nil {
				handle(decl)
			}
		}
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		handle(root.NamedChild(i))
	}
}

var (
	fallbackSymbolRe = regexp.MustCompile(`^\s*(?:export\s+)?(?:pub\s+)?(func|function|def|class|interface|struct|enum|trait|type|module)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	fallbackImportRe = regexp.MustCompile(`^\s*(?:import|from|use|require|include)\s+([^\s;("']+)`)
)

// fallbackSkeleton scans line starts for declaration-looking keywords. It
// is deliberately coarse: for unknown languages the skeleton only has to
// be stable, not complete.
func fallbackSkeleton(lang string, content []byte) *Skeleton {
	sk := &Skeleton{Language: lang}
	for _, line := range strings.Split(string(content), "\n") {
		if m := fallbackSymbolRe.FindStringSubmatch(line); m != nil {
			kind := m[1]
			switch kind {
			case "function", "def":
				kind = "func"
			}
			sk.Symbols = append(sk.Symbols, Symbol{Kind: kind, Name: m[2]})
			continue
		}
		if m := fallbackImportRe.FindStringSubmatch(line); m != nil {
			sk.Imports = append(sk.Imports, strings.Trim(m[1], `"'`))
		}
	}
	return sk
}
