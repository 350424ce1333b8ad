// Package labels localizes classifier labels into display names.
package labels

import (
	"fmt"
	"os"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Table maps a language to its label translations. Labels without an entry
// are returned unchanged.
type Table struct {
	langs   []language.Tag
	entries map[language.Tag]map[string]string
	matcher language.Matcher
}

// New builds a table from language codes to label maps. English is always
// available as the identity translation and is preferred when nothing matches.
func New(translations map[string]map[string]string) (*Table, error) {
	t := &Table{
		langs:   []language.Tag{language.English},
		entries: map[language.Tag]map[string]string{language.English: {}},
	}
	for code, entries := range translations {
		tag, err := language.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", code, err)
		}
		base, _ := tag.Base()
		tag = language.Make(base.String())

		if _, ok := t.entries[tag]; !ok {
			t.langs = append(t.langs, tag)
			t.entries[tag] = make(map[string]string, len(entries))
		}
		for label, localized := range entries {
			t.entries[tag][label] = localized
		}
	}
	t.matcher = language.NewMatcher(t.langs)
	return t, nil
}

// Default returns the built-in table.
func Default() *Table {
	t, err := New(map[string]map[string]string{"de": german})
	if err != nil {
		panic(err)
	}
	return t
}

// LoadFile reads a YAML document of the form
//
//	de:
//	  blue-jay: Blauhäher
//
// and merges it over the built-in table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	var custom map[string]map[string]string
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("failed to parse labels file: %w", err)
	}

	merged := map[string]map[string]string{"de": german}
	for code, entries := range custom {
		merged[code] = entries
	}
	if _, ok := custom["de"]; ok {
		combined := make(map[string]string, len(german)+len(custom["de"]))
		for k, v := range german {
			combined[k] = v
		}
		for k, v := range custom["de"] {
			combined[k] = v
		}
		merged["de"] = combined
	}
	return New(merged)
}

// Match picks the best supported language for an Accept-Language header value.
func (t *Table) Match(acceptLanguage string) language.Tag {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return language.English
	}
	_, index, confidence := t.matcher.Match(prefs...)
	if confidence == language.No {
		return language.English
	}
	return t.langs[index]
}

// Translate maps species into lang. The input slice is not modified.
func (t *Table) Translate(lang language.Tag, species []string) []string {
	if species == nil {
		return nil
	}
	entries := t.entries[lang]
	out := make([]string, len(species))
	for i, label := range species {
		if localized, ok := entries[label]; ok {
			out[i] = localized
			continue
		}
		out[i] = label
	}
	return out
}

// Languages lists the supported languages, English first.
func (t *Table) Languages() []language.Tag {
	return append([]language.Tag(nil), t.langs...)
}

var german = map[string]string{
	"acorn-woodpecker":        "Eichelspecht",
	"annas-hummingbird":       "Annas-Kolibri",
	"blue-jay":                "Blauhäher",
	"blue-winged-warbler":     "Blauflügelwaldsänger",
	"carolina-chickadee":      "Carolina-Meisenhühner",
	"carolina-wren":           "Carolina-Zaunkönig",
	"chipping-sparrow":        "Chipping-Sperling",
	"common-eider":            "Eiderente",
	"common-yellowthroat":     "Gelbkehlchen",
	"dark-eyed-junco":         "Dunkelaugenjunko",
	"eastern-bluebird":        "Ost-Hüttensänger",
	"eastern-towhee":          "Ost-Strauß",
	"harris-hawk":             "Wüstenbussard",
	"hermit-thrush":           "Einsiedlerdrossel",
	"indigo-bunting":          "Indigo-Ammer",
	"juniper-titmouse":        "Wacholdermeise",
	"northern-cardinal":       "Nordkardinal",
	"northern-mockingbird":    "Nordspottdrossel",
	"northern-waterthrush":    "Nordwasserdrossel",
	"orchard-oriole":          "Orchard-Pirol",
	"painted-bunting":         "Painted-Burnting",
	"prothonotary-warbler":    "Prothonotary-Waldsänger",
	"red-winged-blackbird":    "Rotflügelammer",
	"rock-pigeon":             "Felsentaube",
	"rofous-crowned-sparrow":  "Rotkopfsperling",
	"ruddy-duck":              "Ruderente",
	"scarlet-tanager":         "Scharlachsperling",
	"snow-goose":              "Schneegans",
	"song-sparrow":            "Singammer",
	"tufted-titmouse":         "Tufted-Titmouse",
	"varied-thrush":           "Buntdrossel",
	"white-breasted-nuthatch": "Weißbrustkleiber",
	"white-crowned-sparrow":   "Weißkopfsperling",
	"white-throated-sparrow":  "Weißkehlsperling",
	"wood-duck":               "Waldente",
}
