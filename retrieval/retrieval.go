// Package retrieval turns a question plus what we know about the user into
// the context block the answer prompt consumes.
//
// The builder never fails a turn: retrieval errors degrade to an explicit
// "no documents" marker so the answer node can say what it does not know
// instead of inventing sources.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/becomeliminal/cofounder-go/core"
)

// NoDocsMarker is the docs text when retrieval returned nothing usable.
const NoDocsMarker = "No relevant documents found."

// NoFactsMarker is the facts text for users without stored background.
const NoFactsMarker = "No background information available for this user."

// Document is one retrieved chunk with its source label.
type Document struct {
	Content string
	Source  string
}

// Searcher finds the k most similar documents for a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// SearcherFunc adapts a function to the Searcher interface.
type SearcherFunc func(ctx context.Context, query string, k int) ([]Document, error)

func (f SearcherFunc) Search(ctx context.Context, query string, k int) ([]Document, error) {
	return f(ctx, query, k)
}

// Context is the assembled retrieval output for one question.
type Context struct {
	// Query is the enriched query actually sent to the searcher.
	Query string

	// Docs holds the kept document texts in rank order, each within the
	// per-document cap and together within the total cap.
	Docs []string

	// FactsText and DocsText are the prompt-ready blocks. DocsText groups
	// the kept documents by category with a summary line per group.
	FactsText string
	DocsText  string
}

// Config tunes the builder. Zero values pick production defaults.
type Config struct {
	// GeneralK is how many candidates a general question over-fetches.
	// Defaults to 3x MaxDocs.
	GeneralK int

	// DomainK is how many candidates a catalog or project question
	// over-fetches before reranking. Defaults to 3x DomainMaxDocs.
	DomainK int

	// MaxDocs is how many documents survive the rerank for general
	// questions. Default 6.
	MaxDocs int

	// DomainMaxDocs raises the keep limit for catalog and project plan
	// questions, which need longer context. Default 12.
	DomainMaxDocs int

	// MaxFactFragments bounds query enrichment from stored facts. Default 8.
	MaxFactFragments int

	// PerDocChars caps a single document's contribution. Default 2000.
	PerDocChars int

	// TotalChars caps the combined document context. Default 8000.
	TotalChars int
}

// Builder assembles retrieval context.
type Builder struct {
	searcher Searcher
	cfg      Config
}

// NewBuilder creates a builder. The searcher may be nil, in which case every
// question gets the no-documents marker.
func NewBuilder(searcher Searcher, cfg Config) *Builder {
	if cfg.MaxDocs == 0 {
		cfg.MaxDocs = 6
	}
	if cfg.DomainMaxDocs == 0 {
		cfg.DomainMaxDocs = 12
	}
	if cfg.GeneralK == 0 {
		cfg.GeneralK = 3 * cfg.MaxDocs
	}
	if cfg.DomainK == 0 {
		cfg.DomainK = 3 * cfg.DomainMaxDocs
	}
	if cfg.MaxFactFragments == 0 {
		cfg.MaxFactFragments = 8
	}
	if cfg.PerDocChars == 0 {
		cfg.PerDocChars = 2000
	}
	if cfg.TotalChars == 0 {
		cfg.TotalChars = 8000
	}
	return &Builder{searcher: searcher, cfg: cfg}
}

// projectKeywords mark questions about schedules and delivery plans. They
// take precedence over product keywords when both appear.
var projectKeywords = []string{
	"timeline", "schedule", "cronograma", "plan", "workstream", "ws",
	"fase", "gate", "milestone", "deliverable", "project", "development",
	"implementation", "roadmap", "phase",
}

// productNames is the wellness catalog vocabulary.
var productNames = []string{
	"alpha balance", "beauty-in", "biopro", "café", "cafe",
	"chocolate fit", "thermo", "prunex", "supplement", "vitamin",
	"protein", "collagen", "detox",
}

var productKeywords = append([]string{
	"product", "products", "recommend", "catalog", "sku", "wellness",
}, productNames...)

// QueryKind labels what flavor of retrieval a question needs.
type QueryKind string

const (
	QueryGeneral QueryKind = "general"
	QueryProduct QueryKind = "product"
	QueryProject QueryKind = "project"
)

// Document categories used for grouping and boundary-aware truncation.
const (
	CategoryCatalog = "catalog"
	CategoryPlan    = "plan"
	CategoryGeneral = "general"
)

// KindOf classifies the question for retrieval. Project wins over product
// when both vocabularies appear; schedule questions that mention products
// are still schedule questions.
func KindOf(question string) QueryKind {
	q := strings.ToLower(question)
	if containsAnyWord(q, projectKeywords) {
		return QueryProject
	}
	if containsAnyWord(q, productKeywords) {
		return QueryProduct
	}
	return QueryGeneral
}

// domainHints widen the query with category vocabulary so the index surfaces
// the right kind of document even when the question itself is sparse.
var domainHints = map[QueryKind]string{
	QueryProduct: "product catalog sku supplement nutrition wellness",
	QueryProject: "project plan cronograma timeline workstream fase milestone deliverable",
}

// capabilityHint bundles one hint per known document category, so a "what can
// you do" question retrieves an example of each instead of nothing.
const capabilityHint = "product catalog sku supplement project plan cronograma workstream business formation guide"

var capabilityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhat can you do\b`),
	regexp.MustCompile(`(?i)\bwhat do you know\b`),
	regexp.MustCompile(`(?i)\bhow can you help\b`),
	regexp.MustCompile(`(?i)\bwhat are you capable of\b`),
	regexp.MustCompile(`(?i)\bwhat (?:documents|docs|files|information) do you have\b`),
}

// Build assembles the retrieval context for a question. It never returns an
// error; a failed or empty search produces the explicit no-documents marker.
func (b *Builder) Build(ctx context.Context, question string, facts map[string]any, history []core.Message) Context {
	kind := KindOf(question)
	query := b.enrichQuery(question, kind, facts, history)

	out := Context{
		Query:     query,
		Docs:      []string{},
		FactsText: FormatFacts(facts),
		DocsText:  NoDocsMarker,
	}
	if b.searcher == nil {
		return out
	}

	k, maxDocs := b.cfg.GeneralK, b.cfg.MaxDocs
	if kind != QueryGeneral {
		k, maxDocs = b.cfg.DomainK, b.cfg.DomainMaxDocs
	}
	docs, err := b.searcher.Search(ctx, query, k)
	if err != nil {
		log.Printf("[RETRIEVAL] search failed, continuing without documents: %v", err)
		return out
	}
	if len(docs) == 0 {
		return out
	}

	docs = Rerank(question, facts, docs, kind)
	if len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}
	kept := b.budget(docs)
	if len(kept) == 0 {
		return out
	}

	for _, d := range kept {
		out.Docs = append(out.Docs, d.Content)
	}
	out.DocsText = assembleContext(kept)
	return out
}

// enrichQuery widens the search query with stored fact fragments, a short
// summary of recent turns, and domain hint phrases, so follow-up questions
// retrieve against the conversation, not just the literal message.
func (b *Builder) enrichQuery(question string, kind QueryKind, facts map[string]any, history []core.Message) string {
	parts := []string{question}

	fragments := factFragments(facts, b.cfg.MaxFactFragments)
	if len(fragments) > 0 {
		parts = append(parts, strings.Join(fragments, " "))
	}
	if summary := historySummary(history, 6, 400); summary != "" {
		parts = append(parts, summary)
	}
	if matchesAny(capabilityPatterns, question) {
		parts = append(parts, capabilityHint)
	} else if hint := domainHints[kind]; hint != "" {
		parts = append(parts, hint)
	}
	return strings.Join(parts, " ")
}

func factFragments(facts map[string]any, limit int) []string {
	var out []string
	for _, key := range sortedKeys(facts) {
		if len(out) >= limit {
			break
		}
		value := factValue(facts[key])
		if s, ok := value.(string); ok && s != "" {
			out = append(out, fmt.Sprintf("%s=%s", key, s))
		}
	}
	return out
}

// historySummary concatenates the user sides of the last few turns, capped at
// a rune boundary.
func historySummary(history []core.Message, turns, maxLen int) string {
	start := len(history) - turns*2
	if start < 0 {
		start = 0
	}
	var parts []string
	for _, msg := range history[start:] {
		if msg.Role == "user" && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return truncateRunes(strings.Join(parts, " "), maxLen)
}

// identifierPattern matches narrow identifier references like "item 7",
// "sku TH-01" or "fase 2" in a question.
var identifierPattern = regexp.MustCompile(`(?i)\b(?:item|sku|entry|fase|phase|ws|workstream|milestone)\s*#?\s*[a-z]{0,3}-?\d+\b`)

// Rerank orders documents by domain relevance. Scores combine a
// source-category bonus for the matching domain, word overlap with the
// question, overlap with stored fact values at double weight (memory
// relevance beats question echo), and a large exact-identifier bonus so
// "item N" questions always surface the document that contains item N. The
// sort is stable so equal scores keep the searcher's similarity order.
func Rerank(question string, facts map[string]any, docs []Document, kind QueryKind) []Document {
	type scored struct {
		doc   Document
		score int
	}
	q := strings.ToLower(question)
	factWords := factOverlapWords(facts)
	ids := identifierPattern.FindAllString(q, -1)

	items := make([]scored, len(docs))
	for i, d := range docs {
		content := strings.ToLower(d.Content)
		var score int
		switch kind {
		case QueryProduct:
			score = productScore(q, d)
		case QueryProject:
			score = projectScore(q, d)
		}
		score += overlapScore(q, content)
		score += factOverlap(factWords, content)
		score += identifierBonus(ids, content)
		items[i] = scored{doc: d, score: score}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	out := make([]Document, len(items))
	for i, item := range items {
		out[i] = item.doc
	}
	return out
}

func productScore(q string, d Document) int {
	content := strings.ToLower(d.Content)
	source := strings.ToLower(d.Source)
	score := 0
	if strings.Contains(source, "catalog") {
		score += 100
	}
	if containsAnyWord(content, []string{"sku", "product", "supplement", "vitamin", "protein"}) {
		score += 50
	}
	for _, name := range productNames {
		if strings.Contains(q, name) && strings.Contains(content, name) {
			score += 30
			break
		}
	}
	if containsAnyWord(content, productNames) {
		score += 25
	}
	if containsAnyWord(content, []string{"wellness", "health", "fitness", "app"}) {
		score += 10
	}
	return score
}

func projectScore(q string, d Document) int {
	content := strings.ToLower(d.Content)
	source := strings.ToLower(d.Source)
	score := 0
	if strings.Contains(source, "cronograma") && containsAnyWord(q, []string{"timeline", "schedule", "cronograma"}) {
		score += 150
	}
	if strings.Contains(source, "plan") && containsAnyWord(q, []string{"workstream", "ws", "plan"}) {
		score += 150
	}
	if containsAnyWord(content, []string{"workstream", "fase", "gate", "milestone", "deliverable"}) {
		score += 80
	}
	if containsAnyWord(content, []string{"timeline", "schedule", "roadmap", "phase"}) {
		score += 60
	}
	if containsAnyWord(content, []string{"objective", "scope", "tasks"}) {
		score += 50
	}
	score += 20
	return score
}

// overlapScore rewards plain word overlap between question and document.
func overlapScore(q, content string) int {
	score := 0
	for _, word := range strings.Fields(q) {
		word = strings.Trim(word, ".,!?;:\"'")
		if len(word) > 3 && strings.Contains(content, word) {
			score += 5
		}
	}
	return score
}

// factOverlap counts double: a document matching what we know about the user
// is worth more than one merely echoing the question.
func factOverlap(words []string, content string) int {
	score := 0
	for _, w := range words {
		if strings.Contains(content, w) {
			score += 10
		}
	}
	return score
}

func factOverlapWords(facts map[string]any) []string {
	var out []string
	for _, key := range sortedKeys(facts) {
		s, ok := factValue(facts[key]).(string)
		if !ok {
			continue
		}
		for _, w := range strings.Fields(strings.ToLower(s)) {
			w = strings.Trim(w, ".,!?;:\"'")
			if len(w) > 3 {
				out = append(out, w)
			}
		}
	}
	return out
}

func identifierBonus(ids []string, content string) int {
	for _, id := range ids {
		if strings.Contains(content, id) {
			return 200
		}
	}
	return 0
}

// minDocChars is the smallest leftover budget worth spending on another
// document; below it the tail document is dropped instead of truncated to a
// useless stub.
const minDocChars = 200

// budget enforces the per-document and total character caps, truncating at a
// category boundary where one fits.
func (b *Builder) budget(docs []Document) []Document {
	remaining := b.cfg.TotalChars
	var kept []Document
	for _, d := range docs {
		limit := b.cfg.PerDocChars
		if limit > remaining {
			limit = remaining
		}
		if limit < minDocChars && len(kept) > 0 {
			break
		}
		content := truncateDoc(d.Content, limit, docCategory(d))
		if content == "" {
			break
		}
		kept = append(kept, Document{Content: content, Source: d.Source})
		remaining -= len(content)
		if remaining <= 0 {
			break
		}
	}
	return kept
}

var catalogEntryPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
var planHeaderPattern = regexp.MustCompile(`(?mi)^\s*(?:fase|phase|ws|workstream)\b`)

// truncateDoc cuts a document to at most max bytes, preferring a structural
// boundary for its category: between numbered catalog entries, before a phase
// header in a plan, or at a paragraph or sentence break. A hard cut at a rune
// boundary is the last resort.
func truncateDoc(content string, max int, category string) string {
	if len(content) <= max {
		return content
	}
	window := truncateRunes(content, max)
	if cut := lastBoundary(window, category); cut > 0 {
		window = window[:cut]
	}
	return strings.TrimRight(window, " \t\n")
}

func lastBoundary(s, category string) int {
	var re *regexp.Regexp
	switch category {
	case CategoryCatalog:
		re = catalogEntryPattern
	case CategoryPlan:
		re = planHeaderPattern
	}
	if re != nil {
		// Cut before the last structural header, keeping at least one entry.
		if locs := re.FindAllStringIndex(s, -1); len(locs) > 1 {
			return locs[len(locs)-1][0]
		}
	}
	for _, sep := range []string{"\n\n", "\n"} {
		if idx := strings.LastIndex(s, sep); idx > 0 {
			return idx
		}
	}
	if idx := strings.LastIndex(s, ". "); idx > 0 {
		return idx + 1
	}
	return 0
}

// docCategory detects what kind of document a chunk came from, by source
// label first and content vocabulary second.
func docCategory(d Document) string {
	source := strings.ToLower(d.Source)
	content := strings.ToLower(d.Content)
	switch {
	case strings.Contains(source, "catalog"),
		containsAnyWord(content, []string{"sku", "supplement"}),
		containsAnyWord(content, productNames):
		return CategoryCatalog
	case strings.Contains(source, "cronograma"), strings.Contains(source, "plan"),
		containsAnyWord(content, []string{"workstream", "fase", "milestone", "cronograma"}):
		return CategoryPlan
	default:
		return CategoryGeneral
	}
}

var categoryOrder = []string{CategoryCatalog, CategoryPlan, CategoryGeneral}

var categoryLabels = map[string]string{
	CategoryCatalog: "Catalog",
	CategoryPlan:    "Project plan",
	CategoryGeneral: "Reference",
}

// assembleContext groups kept documents by category and renders one block per
// category: a header with the document count, a coverage line listing the key
// identifiers found in the group, then the document texts in rank order.
func assembleContext(kept []Document) string {
	groups := map[string][]Document{}
	for _, d := range kept {
		cat := docCategory(d)
		groups[cat] = append(groups[cat], d)
	}

	var blocks []string
	for _, cat := range categoryOrder {
		docs := groups[cat]
		if len(docs) == 0 {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "=== %s documents (%d) ===\n", categoryLabels[cat], len(docs))
		if ids := keyIdentifiers(docs); len(ids) > 0 {
			fmt.Fprintf(&b, "Covers: %s\n", strings.Join(ids, ", "))
		}
		b.WriteString("\n")
		texts := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = d.Content
		}
		b.WriteString(strings.Join(texts, "\n\n"))
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

var skuPattern = regexp.MustCompile(`\b[A-Z]{2,4}-\d+\b`)
var sectionIDPattern = regexp.MustCompile(`(?i)\b(?:fase|phase|ws|workstream|milestone)\s*[A-Za-z]?\d+\b`)

// keyIdentifiers pulls the identifiers a reader would scan for out of a
// document group: SKUs, phase and workstream numbers, product names.
func keyIdentifiers(docs []Document) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		key := strings.ToLower(id)
		if id == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, id)
	}
	for _, d := range docs {
		for _, m := range skuPattern.FindAllString(d.Content, -1) {
			add(m)
		}
		for _, m := range sectionIDPattern.FindAllString(d.Content, -1) {
			add(m)
		}
		lower := strings.ToLower(d.Content)
		for _, name := range productNames {
			if containsAnyWord(lower, []string{name}) {
				add(name)
			}
		}
	}
	if len(out) > 8 {
		out = out[:8]
	}
	return out
}

// FormatFacts renders stored facts as a prompt-ready bullet list.
func FormatFacts(facts map[string]any) string {
	if len(facts) == 0 {
		return NoFactsMarker
	}
	var lines []string
	for _, key := range sortedKeys(facts) {
		value := factValue(facts[key])
		if nested, ok := value.(map[string]any); ok {
			for _, sub := range sortedKeys(nested) {
				lines = append(lines, fmt.Sprintf("- %s.%s: %v", key, sub, factValue(nested[sub])))
			}
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %v", key, value))
	}
	return strings.Join(lines, "\n")
}

// containsAnyWord reports whether s contains any keyword on a word boundary.
// Short keywords like "ws" must not match inside other words.
func containsAnyWord(s string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(s, kw) {
			continue
		}
		if strings.ContainsRune(kw, ' ') {
			return true
		}
		for _, field := range strings.FieldsFunc(s, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == 'é')
		}) {
			if field == kw {
				return true
			}
		}
	}
	return false
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// factValue unwraps the {value, confidence} stored fact shape.
func factValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return v
}
