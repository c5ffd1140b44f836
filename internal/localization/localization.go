// Package localization provides the user-visible strings of the chat client.
// Catalogs are JSON objects of key -> format string, one file per language
// (en.json, uk.json). The built-in catalogs are embedded; NewLocalizer loads
// an override directory.
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
)

// DefaultLang is used when a key is missing in the requested language.
const DefaultLang = "en"

//go:embed catalogs/*.json
var builtin embed.FS

// Localizer holds translations per language.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
}

// Builtin returns a Localizer over the embedded catalogs.
func Builtin() *Localizer {
	sub, err := fs.Sub(builtin, "catalogs")
	if err != nil {
		panic(err)
	}
	l, err := Load(sub)
	if err != nil {
		panic(err)
	}
	return l
}

// NewLocalizer loads every *.json catalog in dir.
func NewLocalizer(dir string) (*Localizer, error) {
	return Load(os.DirFS(dir))
}

// Load reads every *.json catalog at the root of fsys.
func Load(fsys fs.FS) (*Localizer, error) {
	l := &Localizer{
		translations: make(map[string]map[string]string),
	}

	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		lang := strings.TrimSuffix(file.Name(), ".json")

		data, err := fs.ReadFile(fsys, path.Clean(file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", file.Name(), err)
		}

		var translations map[string]string
		if err := json.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", file.Name(), err)
		}
		l.translations[lang] = translations
	}

	return l, nil
}

// GetString returns the string for key in lang, falling back to English and
// then to the key itself.
func (l *Localizer) GetString(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if langTranslations, ok := l.translations[lang]; ok {
		if value, ok := langTranslations[key]; ok {
			return value
		}
	}
	if lang != DefaultLang {
		if enTranslations, ok := l.translations[DefaultLang]; ok {
			if value, ok := enTranslations[key]; ok {
				return value
			}
		}
	}
	return key
}

// T formats the string for key with args.
func (l *Localizer) T(lang, key string, args ...any) string {
	format := l.GetString(lang, key)
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Languages lists the loaded catalogs.
func (l *Localizer) Languages() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.translations))
	for lang := range l.translations {
		out = append(out, lang)
	}
	return out
}
