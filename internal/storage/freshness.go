package storage

import (
	"time"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/fileref"
	"github.com/forgebuild/forge/internal/hasher"
)

// recentWindow is the "within 2 seconds of now" fallback window from §4.4
// step 3, defeating same-second overwrites that share a stat fast-path key.
const recentWindow = 2 * time.Second

// Freshness is the outcome of the §4.4 decision procedure.
type Freshness struct {
	Fresh       bool
	Fingerprint hasher.Fingerprint
}

// Decide implements the four-step freshness procedure of §4.4:
//  1. always_run or !hashable => not fresh
//  2. no stored record for the fingerprint => not fresh
//  3. any declared output mismatches (fast-path, falling back to strong
//     hash near "now") => not fresh
//  4. otherwise fresh
func (s *Storage) Decide(c *command.Command, projectRoot fileref.FileRef, digests *digest.Cache) (Freshness, error) {
	if c.IsAlwaysRun() || !c.IsHashable() {
		return Freshness{Fresh: false}, nil
	}

	inputDigests, err := digestInputs(c, digests)
	if err != nil {
		return Freshness{}, err
	}

	fp, err := hasher.Compute(c, hasher.Inputs{ProjectRoot: projectRoot, InputDigests: inputDigests})
	if err != nil {
		return Freshness{}, err
	}

	rec, ok := s.Lookup(fp)
	if !ok {
		return Freshness{Fresh: false, Fingerprint: fp}, nil
	}

	for _, out := range c.Outputs().List() {
		rel := out.RelativeTo(projectRoot)
		recorded, ok := rec.Outputs[rel]
		if !ok {
			return Freshness{Fresh: false, Fingerprint: fp}, nil
		}
		equivalent, err := digest.FastDigestEquivalent(recorded, out.String(), recentWindow, digests)
		if err != nil {
			// A stat failure on a previously-recorded output means it's
			// missing now: not an error, just not fresh (§4.4 step 3, §S3).
			return Freshness{Fresh: false, Fingerprint: fp}, nil
		}
		if !equivalent {
			return Freshness{Fresh: false, Fingerprint: fp}, nil
		}
	}

	return Freshness{Fresh: true, Fingerprint: fp}, nil
}

func digestInputs(c *command.Command, digests *digest.Cache) (map[fileref.FileRef]digest.Digest, error) {
	inputs := c.Inputs().List()
	out := make(map[fileref.FileRef]digest.Digest, len(inputs))
	for _, ref := range inputs {
		d, err := digests.Compute(ref.String())
		if err != nil {
			return nil, err
		}
		out[ref] = d
	}
	return out, nil
}
