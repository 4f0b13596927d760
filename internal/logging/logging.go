// Package logging sets up the single logrus logger mailcore's components
// are threaded through, wrapping it in the Logf func(string, ...interface{})
// shape every collaborator (transport.Dialer, cryptomediation.Driver,
// autocrypt.Store, mime.Parser) already accepts — grounded on
// go-guerrilla's log.HookedLogger, trimmed down: one process, one
// destination, no per-name logger cache.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger writing to dest, one of "stderr" (default),
// "stdout", "off", or a file path opened for append (created if absent).
// level is a logrus level name ("debug", "info", "warn", ...); an
// unparseable level falls back to info, matching the teacher's
// reluctance to let a bad flag value abort startup.
func New(dest, level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{DisableColors: dest != "stderr" && dest != "stdout"})

	w, err := openDest(dest)
	if err != nil {
		l.Out = os.Stderr
		return l, err
	}
	l.Out = w

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l, nil
}

func openDest(dest string) (io.Writer, error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "off":
		return io.Discard, nil
	default:
		return os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	}
}

// Logf adapts a *logrus.Logger to the Logf func(format string, v
// ...interface{}) field every component exposes, so cmd/mailcore can wire
// one logger into transport, cryptomediation, autocrypt, and mime without
// each package needing a logrus import of its own.
func Logf(l *logrus.Logger) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		l.Infof(format, v...)
	}
}
