// Package hasher computes a Command's 128-bit CommandFingerprint:
// a deterministic hash of its identity from program path, canonicalised
// arguments, influential environment, working directory, and input digests
// (§3 DATA MODEL "CommandFingerprint", §4.1 "Argument canonicalisation").
package hasher

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/fileref"
)

// Fingerprint is a 128-bit command identity.
type Fingerprint [16]byte

// Hex renders the fingerprint for logs and on-disk records.
func (f Fingerprint) Hex() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// pathSentinel prefixes a canonicalised, project-relative path token so
// that identical builds run from different build directories still
// fingerprint identically (§4.1).
const pathSentinel = "\x00PROJECT\x00/"

// influentialEnv decides which environment variables participate in the
// fingerprint. The default policy hashes every declared key (the driver
// that builds a Command decides what to declare, which is itself the
// influential set) — this matches spec §3's "sorted env subset declared
// 'influential'" by making declaration-on-the-Command the declaration
// mechanism, rather than engine-side allow/deny lists the core does not
// own (see DESIGN.md, "Open Questions resolved", item 2).
func influentialEnv(c *command.Command) []string {
	keys := c.SortedEnvKeys()
	env := c.Env()
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// CanonicaliseArg rewrites any occurrence of projectRoot within arg to the
// sentinel-prefixed project-relative form, so two builds that differ only
// in their absolute build directory produce identical fingerprints (§4.1,
// §8 property 2 "Fingerprint determinism").
func CanonicaliseArg(arg string, projectRoot fileref.FileRef) string {
	root := projectRoot.String()
	if root == "" || !strings.Contains(arg, root) {
		return arg
	}
	rel := strings.ReplaceAll(arg, root, pathSentinel)
	return rel
}

// Inputs carries what Compute needs beyond the Command itself: the
// project root for canonicalisation and each declared input's digest
// (already validated to exist by the caller, per §4.1's Execute preconditions).
type Inputs struct {
	ProjectRoot   fileref.FileRef
	InputDigests  map[fileref.FileRef]digest.Digest
}

// Compute derives a Command's fingerprint. Builtin commands hash their
// BuiltinID and payload instead of a program path and argv (§9).
func Compute(c *command.Command, in Inputs) (Fingerprint, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return Fingerprint{}, err
	}

	writeField := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}

	action := c.Action()
	switch action.Kind {
	case command.ActionBuiltin:
		writeField("builtin")
		writeField(action.BuiltinID)
		writeField(string(action.BuiltinPayload))
	default:
		writeField("spawn")
		writeField(action.Program.String())
		for _, arg := range action.Args {
			writeField(CanonicaliseArg(arg, in.ProjectRoot))
		}
	}

	writeField(CanonicaliseArg(c.Cwd().String(), in.ProjectRoot))

	for _, kv := range influentialEnv(c) {
		writeField(kv)
	}

	inputs := c.Inputs().List()
	sort.Slice(inputs, func(i, j int) bool { return inputs[i] < inputs[j] })
	for _, ref := range inputs {
		d, ok := in.InputDigests[ref]
		if !ok {
			continue // caller is expected to have validated all inputs present
		}
		writeField(ref.RelativeTo(in.ProjectRoot))
		writeField(d.HexHash())
	}

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// ParseHex is the inverse of Fingerprint.Hex, used when reading storage records.
func ParseHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, err
	}
	var fp Fingerprint
	if len(b) != len(fp) {
		return Fingerprint{}, fmt.Errorf("fingerprint hex length %d, want %d", len(b), len(fp))
	}
	copy(fp[:], b)
	return fp, nil
}
