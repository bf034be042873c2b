package triage

import (
	"regexp"
	"strings"

	"github.com/mnemora/mnemora/internal/memory"
)

// Entity types the extractor assigns.
const (
	EntityPerson       = "person"
	EntityOrganization = "organization"
	EntityLocation     = "location"
	EntityTechnology   = "technology"
)

// Extraction confidence by signal strength. An org suffix or a known
// technology name is near-certain; a multi-word proper name is strong; a
// lone capitalised word mid-sentence is only a hint.
const (
	confidenceOrg    = 0.9
	confidenceTech   = 0.85
	confidenceLoc    = 0.8
	confidencePerson = 0.75
	confidenceHint   = 0.6

	maxEntities = 16
)

var orgSuffix = regexp.MustCompile(`^(?:Inc|Corp|Ltd|LLC|GmbH)$`)

var locPreposition = map[string]bool{"in": true, "at": true, "from": true, "near": true}

// ExtractEntities pulls named entities out of content using the surface
// signals the classifier scores. Runs of capitalised words become people,
// organisations or locations depending on the surrounding markers, and
// capitalised technology terms stand alone. Names deduplicate
// case-insensitively, keeping the strongest reading, in order of first
// appearance.
func ExtractEntities(content string) []memory.Entity {
	var entities []memory.Entity
	index := make(map[string]int)

	add := func(name, typ string, conf float64) {
		key := strings.ToLower(name)
		if i, ok := index[key]; ok {
			if conf > entities[i].Confidence {
				entities[i].Type = typ
				entities[i].Confidence = conf
			}
			return
		}
		if len(entities) >= maxEntities {
			return
		}
		index[key] = len(entities)
		entities = append(entities, memory.Entity{Name: name, Type: typ, Confidence: conf})
	}

	var (
		run        []string
		opensSent  bool   // the run's first word opened a sentence
		before     string // lowercased word immediately preceding the run
		startsSent = true
	)
	flush := func() {
		if len(run) == 0 {
			return
		}
		name := strings.Join(run, " ")
		switch {
		case orgSuffix.MatchString(run[len(run)-1]):
			add(name, EntityOrganization, confidenceOrg)
		case len(run) == 1 && techTerm.MatchString(run[0]):
			add(name, EntityTechnology, confidenceTech)
		case locPreposition[before]:
			add(name, EntityLocation, confidenceLoc)
		case len(run) > 1:
			add(name, EntityPerson, confidencePerson)
		case !opensSent:
			// A lone capitalised word mid-sentence reads as a name; at a
			// sentence start it carries no naming signal and is dropped.
			add(name, EntityPerson, confidenceHint)
		}
		run = run[:0]
		before = ""
	}

	for _, f := range strings.Fields(content) {
		word := strings.Trim(f, `"'().,:;!?`)
		opened := startsSent
		startsSent = strings.ContainsAny(f, ".!?")
		if opened {
			flush()
		}
		if properWord.MatchString(word) || (len(run) > 0 && orgSuffix.MatchString(word)) {
			if len(run) == 0 {
				opensSent = opened
			}
			run = append(run, word)
			continue
		}
		flush()
		before = strings.ToLower(word)
	}
	flush()
	return entities
}
