package secret

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/flujo-ai/flujo/internal/store"
)

// DefaultMaxDepth bounds reference-then-decrypt cycles. Beyond this depth the
// partially-resolved value is returned and a warning is logged.
const DefaultMaxDepth = 10

var globalRefPattern = regexp.MustCompile(`\$\{global:([A-Za-z0-9_.-]+)\}`)

// Resolver substitutes "${global:NAME}" references with the current value of
// global variable NAME and unwraps "encrypted:" values through the Cipher.
// Resolution is lazy: callers invoke it at point of use, never at save time.
type Resolver struct {
	store  store.Store
	cipher *Cipher

	// MaxDepth overrides DefaultMaxDepth when > 0.
	MaxDepth int
}

// NewResolver creates a Resolver. cipher may be nil, in which case encrypted
// values are left as-is (and flagged like encrypted_failed values).
func NewResolver(s store.Store, cipher *Cipher) *Resolver {
	return &Resolver{store: s, cipher: cipher}
}

// ResolveString resolves a single string value.
func (r *Resolver) ResolveString(ctx context.Context, value string) string {
	v, _ := r.ResolveValue(ctx, value)
	s, _ := v.(string)
	return s
}

// ResolveValue recursively walks value (string, []any, map[string]any or
// anything else, which passes through) resolving references and decrypting.
// The second return reports whether every reference fully resolved; values
// carrying the encrypted_failed prefix or unresolvable references leave it
// false.
func (r *Resolver) ResolveValue(ctx context.Context, value any) (any, bool) {
	return r.resolve(ctx, value, 0)
}

// ResolveArgs resolves every value of a tool-call argument map in place
// semantics (a new map is returned; the input is not mutated).
func (r *Resolver) ResolveArgs(ctx context.Context, args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out, _ := r.resolve(ctx, map[string]any(args), 0)
	if m, ok := out.(map[string]any); ok {
		return m
	}
	return args
}

func (r *Resolver) maxDepth() int {
	if r.MaxDepth > 0 {
		return r.MaxDepth
	}
	return DefaultMaxDepth
}

func (r *Resolver) resolve(ctx context.Context, value any, depth int) (any, bool) {
	if depth > r.maxDepth() {
		log.Printf("[Secret] WARNING: resolution depth cap (%d) reached, returning partially-resolved value", r.maxDepth())
		return value, false
	}

	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v, depth)
	case []any:
		out := make([]any, len(v))
		clean := true
		for i, item := range v {
			res, ok := r.resolve(ctx, item, depth+1)
			out[i] = res
			clean = clean && ok
		}
		return out, clean
	case map[string]any:
		out := make(map[string]any, len(v))
		clean := true
		for k, item := range v {
			res, ok := r.resolve(ctx, item, depth+1)
			out[k] = res
			clean = clean && ok
		}
		return out, clean
	default:
		return value, true
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, depth int) (any, bool) {
	if strings.HasPrefix(s, FailedPrefix) {
		// A previous re-encryption failure; surface untouched but flagged.
		return s, false
	}

	if strings.HasPrefix(s, EncryptedPrefix) {
		if r.cipher == nil {
			return s, false
		}
		plain, err := r.cipher.Decrypt(s)
		if err != nil {
			log.Printf("[Secret] Decrypt failed: %v", err)
			return s, false
		}
		// Decrypted content may itself contain references.
		return r.resolve(ctx, plain, depth+1)
	}

	if !globalRefPattern.MatchString(s) {
		return s, true
	}

	globals := r.loadGlobals(ctx)
	clean := true
	replaced := globalRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := globalRefPattern.FindStringSubmatch(ref)[1]
		val, ok := globals[name]
		if !ok {
			clean = false
			return ref
		}
		return val
	})
	// No progress means an unknown reference or a global referencing
	// itself; either way the value did not fully resolve.
	if replaced == s {
		return s, false
	}
	// Substituted values may carry further references or be encrypted.
	out, ok := r.resolve(ctx, replaced, depth+1)
	return out, ok && clean
}

// loadGlobals reads the global-variable map. Missing key means no globals.
func (r *Resolver) loadGlobals(ctx context.Context) map[string]string {
	var globals map[string]string
	if err := store.LoadJSON(ctx, r.store, store.KeyGlobalEnvVars, &globals); err != nil {
		return nil
	}
	return globals
}
