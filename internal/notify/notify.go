// Package notify is the user-visible notification surface: send failures,
// connection loss and similar events rendered through the localization
// catalogs.
package notify

import (
	"context"
	"errors"

	"marketchat/internal/localization"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// Notice is one notification. Key selects the catalog entry, Args fill it.
type Notice struct {
	Level Level
	Key   string
	Args  []any
}

func Info(key string, args ...any) Notice  { return Notice{Level: LevelInfo, Key: key, Args: args} }
func Warn(key string, args ...any) Notice  { return Notice{Level: LevelWarn, Key: key, Args: args} }
func Error(key string, args ...any) Notice { return Notice{Level: LevelError, Key: key, Args: args} }

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Render returns the localized text of n.
func Render(loc *localization.Localizer, lang string, n Notice) string {
	return loc.T(lang, n.Key, n.Args...)
}

// LogNotifier writes notices to a logrus entry.
type LogNotifier struct {
	log  *logrus.Entry
	loc  *localization.Localizer
	lang string
}

func NewLogNotifier(log *logrus.Entry, loc *localization.Localizer, lang string) *LogNotifier {
	return &LogNotifier{log: log, loc: loc, lang: lang}
}

func (n *LogNotifier) Notify(_ context.Context, notice Notice) error {
	entry := n.log.WithField("notice", notice.Key)
	text := Render(n.loc, n.lang, notice)
	switch notice.Level {
	case LevelError:
		entry.Error(text)
	case LevelWarn:
		entry.Warn(text)
	default:
		entry.Info(text)
	}
	return nil
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, notice Notice) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
