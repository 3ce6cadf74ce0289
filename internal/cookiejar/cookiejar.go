// Package cookiejar implements the per-request cookie jar (§4.C): a parsed
// view of the inbound Cookie header plus a change map that is serialised
// into Set-Cookie lines when a response is composed.
//
// Grounded on the teacher's GlobalCookieJar (cluster/controller.go), which
// keeps a mutex-guarded name→value map and a monotonic version counter; this
// package narrows that shape to per-request scope and adds the change-map
// semantics §4.C requires (a jar must distinguish "unchanged" from "set to
// the value it already had").
package cookiejar

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// maxCookieBytes is the combined name+value limit enforced by Set (§4.C).
const maxCookieBytes = 4096

// changeKind tags an entry in the jar's change map.
type changeKind int

const (
	changeSet changeKind = iota
	changeDelete
)

// Options configures a single Set call. Zero value selects the §4.C
// defaults: Path "/" and SameSite Strict.
type Options struct {
	Path        string
	SameSite    string
	Expires     time.Time
	Domain      string
	Partitioned bool
}

type change struct {
	kind  changeKind
	value string
	opts  Options
}

// Jar is a per-request cookie jar. It is not safe for concurrent use across
// requests because it is meant to be constructed fresh for each one (see
// internal/reqcontext), but concurrent use within a single request's
// goroutines is supported.
type Jar struct {
	mu     sync.RWMutex
	parsed map[string]string
	change map[string]change
}

// New parses header (the raw value of an inbound Cookie header, which may be
// empty) into a fresh Jar.
func New(header string) *Jar {
	j := &Jar{
		parsed: parseCookieHeader(header),
		change: make(map[string]change),
	}
	return j
}

func parseCookieHeader(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		out[name] = value
	}
	return out
}

// Get returns the current value of name, consulting the change map before
// the parsed request cookies. The second return is false if the cookie is
// absent or has been deleted.
func (j *Jar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if c, ok := j.change[name]; ok {
		if c.kind == changeDelete {
			return "", false
		}
		return c.value, true
	}
	v, ok := j.parsed[name]
	return v, ok
}

// GetAll returns every currently-visible name→value pair, applying the
// change map over the parsed request cookies.
func (j *Jar) GetAll() map[string]string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make(map[string]string, len(j.parsed))
	for k, v := range j.parsed {
		out[k] = v
	}
	for k, c := range j.change {
		if c.kind == changeDelete {
			delete(out, k)
			continue
		}
		out[k] = c.value
	}
	return out
}

// Set records a change to name. It enforces the 4096-byte name+value limit
// and fills in the §4.C defaults (Path "/", SameSite Strict) for any field
// left zero in opts.
func (j *Jar) Set(name, value string, opts Options) error {
	if len(name)+len(value) > maxCookieBytes {
		return fmt.Errorf("cookiejar: %q exceeds %d-byte name+value limit", name, maxCookieBytes)
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == "" {
		opts.SameSite = "Strict"
	}
	if opts.Domain != "" {
		if _, err := publicsuffix.EffectiveTLDPlusOne(opts.Domain); err != nil {
			return fmt.Errorf("cookiejar: invalid domain %q: %w", opts.Domain, err)
		}
	}

	j.mu.Lock()
	j.change[name] = change{kind: changeSet, value: value, opts: opts}
	j.mu.Unlock()
	return nil
}

// Delete marks name for removal. Serialisation emits a Set-Cookie line with
// an Expires timestamp in the past.
func (j *Jar) Delete(name string) {
	j.mu.Lock()
	j.change[name] = change{kind: changeDelete, opts: Options{Path: "/", SameSite: "Strict"}}
	j.mu.Unlock()
}

// HasChanges reports whether any Set or Delete has been recorded.
func (j *Jar) HasChanges() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.change) > 0
}

// SetCookieLines renders the jar's change map into Set-Cookie header values,
// one per changed name, in a stable (sorted) order.
func (j *Jar) SetCookieLines() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	names := make([]string, 0, len(j.change))
	for name := range j.change {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, renderLine(name, j.change[name]))
	}
	return lines
}

func renderLine(name string, c change) string {
	var b strings.Builder
	value := c.value
	expires := c.opts.Expires
	if c.kind == changeDelete {
		value = ""
		expires = time.Unix(0, 0)
	}

	fmt.Fprintf(&b, "%s=%s", url.QueryEscape(name), url.QueryEscape(value))

	path := c.opts.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "; Path=%s", path)

	sameSite := c.opts.SameSite
	if sameSite == "" {
		sameSite = "Strict"
	}
	fmt.Fprintf(&b, "; SameSite=%s", sameSite)

	if !expires.IsZero() {
		fmt.Fprintf(&b, "; Expires=%s", expires.UTC().Format(time.RFC1123))
	}
	if c.opts.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", c.opts.Domain)
	}
	if c.opts.Partitioned {
		b.WriteString("; Partitioned")
	}
	b.WriteString("; Secure")
	return b.String()
}
