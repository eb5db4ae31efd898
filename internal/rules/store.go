package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/normalize"
)

var (
	// ErrInvalidDocument is returned for rule documents that cannot be decoded or validated
	ErrInvalidDocument = errors.New("invalid rule document")
	// ErrNoRules is returned for a document without any rule
	ErrNoRules = errors.New("rule document has no rules")
	// ErrNotReloadable is returned by Reload on a store that was not loaded from a file
	ErrNotReloadable = errors.New("rule store has no source to reload from")
)

// compiledRule is a rule with its match keys normalized once at load time
type compiledRule struct {
	Rule

	kinds   []Kind
	aliases []string

	forbidCodes        []string
	forbidDescriptions []string
	classAliases       []string
	requireServices    []string
	requirePrefixes    []string

	targetCodes  []string
	allowedDrugs []string
}

// Store is an immutable, loaded rule set. Rule order is the document order and is
// part of the evaluation contract
type Store struct {
	version     string
	lastUpdated string
	rules       []*compiledRule
	general     []*compiledRule
	restricted  []*compiledRule
	norm        *normalize.Normalizer

	source string
	loader *Loader
}

// NewStore validates doc and compiles it with the default normalizer
func NewStore(doc *Document) (*Store, error) {
	return compile(doc, normalize.Default)
}

func compile(doc *Document, n *normalize.Normalizer) (*Store, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if len(doc.Rules) == 0 {
		return nil, ErrNoRules
	}
	if n == nil {
		n = normalize.Default
	}

	s := &Store{
		version:     doc.Version,
		lastUpdated: doc.LastUpdated,
		rules:       make([]*compiledRule, 0, len(doc.Rules)),
		norm:        n,
	}

	seen := make(map[string]struct{}, len(doc.Rules))
	for i := range doc.Rules {
		r := doc.Rules[i]
		if err := r.validate(doc.DrugClasses); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %s", ErrInvalidDocument, r.ID)
		}
		seen[r.ID] = struct{}{}

		cr := &compiledRule{
			Rule:               r,
			kinds:              r.Kinds(),
			aliases:            serviceCodes(n, r.Drugs),
			forbidCodes:        diagnosisCodes(r.ForbidICDCodes),
			forbidDescriptions: serviceCodes(n, r.ForbidDescriptions),
			requireServices:    serviceCodes(n, r.RequireServices),
			requirePrefixes:    diagnosisCodes(r.RequireICDPrefixes),
			targetCodes:        diagnosisCodes(r.DiagnosisCodes),
			allowedDrugs:       serviceCodes(n, r.AllowedDrugs),
		}
		if class := strings.TrimSpace(r.RejectIfOtherDrugClass); class != "" {
			aliases, _ := lookupClass(doc.DrugClasses, class)
			cr.classAliases = serviceCodes(n, aliases)
		}

		s.rules = append(s.rules, cr)
		if r.Pass() == PassDiagnosisRestricted {
			s.restricted = append(s.restricted, cr)
		} else {
			s.general = append(s.general, cr)
		}
	}
	return s, nil
}

func serviceCodes(n *normalize.Normalizer, raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if code := n.ServiceCode(v); code != "" {
			out = append(out, code)
		}
	}
	return out
}

func diagnosisCodes(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if code := normalize.DiagnosisCode(v); code != "" {
			out = append(out, code)
		}
	}
	return out
}

// Version returns the document version
func (s *Store) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

// LastUpdated returns the document's lastUpdated stamp
func (s *Store) LastUpdated() string {
	if s == nil {
		return ""
	}
	return s.lastUpdated
}

// Len returns the number of rules
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Source returns the file the store was loaded from, if any
func (s *Store) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Rules returns a copy of the rules in store order
func (s *Store) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// KindCounts returns how many rules declare each kind of check
func (s *Store) KindCounts() map[Kind]int {
	counts := make(map[Kind]int)
	if s == nil {
		return counts
	}
	for _, r := range s.rules {
		if len(r.kinds) == 0 {
			counts[KindUnknown]++
		}
		for _, k := range r.kinds {
			counts[k]++
		}
	}
	return counts
}

// Reload reads the store's source again and returns a new store. The receiver is unchanged
func (s *Store) Reload() (*Store, error) {
	if s == nil || s.source == "" || s.loader == nil {
		return nil, ErrNotReloadable
	}
	return s.loader.Load(s.source)
}

// LoaderConfig configures rule document loading
type LoaderConfig struct {
	// CacheTTL bounds how long a parsed document is reused for identical content
	CacheTTL   time.Duration
	Normalizer *normalize.Normalizer
}

// DefaultLoaderConfig returns the default loader configuration
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		CacheTTL:   24 * time.Hour,
		Normalizer: normalize.Default,
	}
}

// Loader reads rule documents from disk. Parsed stores are memoized by path and
// content digest, so reloading an unchanged file returns the same immutable store
type Loader struct {
	cache    *gocache.Cache
	norm     *normalize.Normalizer
	logger   *zap.Logger
	readFile func(string) ([]byte, error)
}

// NewLoader creates a rule document loader
func NewLoader(cfg LoaderConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultLoaderConfig().CacheTTL
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.Default
	}
	return &Loader{
		cache:    gocache.New(cfg.CacheTTL, time.Hour),
		norm:     cfg.Normalizer,
		logger:   logger,
		readFile: os.ReadFile,
	}
}

// Load reads, validates and compiles the rule document at path
func (l *Loader) Load(path string) (*Store, error) {
	data, err := l.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule document %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	key := path + ":" + hex.EncodeToString(sum[:])
	if cached, ok := l.cache.Get(key); ok {
		return cached.(*Store), nil
	}

	store, err := l.Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	store.source = path
	store.loader = l

	l.cache.SetDefault(key, store)
	l.logger.Info("Rule store loaded",
		zap.String("path", path),
		zap.String("version", store.Version()),
		zap.Int("rules", store.Len()),
	)
	return store, nil
}

// Parse compiles an in-memory rule document. The result has no source and cannot be reloaded
func (l *Loader) Parse(data []byte, format Format) (*Store, error) {
	doc, err := ParseDocument(data, format)
	if err != nil {
		return nil, err
	}
	return compile(doc, l.norm)
}

// FormatKindCounts renders kind counts in a stable order for logs and CLI output
func FormatKindCounts(counts map[Kind]int) string {
	kinds := make([]Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
