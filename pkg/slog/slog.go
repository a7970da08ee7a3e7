// Package slog is the relay's levelled logger. Each package creates its own
// printers with New and uses the returned Check for terse error handling:
//
//	var log, chk = slog.New(os.Stderr)
//
//	if b, err = os.ReadFile(name); chk.E(err) {
//		return
//	}
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

// The Levels, from quietest to noisiest.
const (
	Off Level = iota
	Fatal
	Error
	Check
	Warn
	Info
	Debug
	Trace
)

var (
	// LvlStr is a map that provides the uniform width strings that are printed
	// to identify the Level of a log entry.
	LvlStr = LevelMap{
		Off:   "off",
		Fatal: "fatal",
		Error: "error",
		Check: "check",
		Warn:  "warn",
		Info:  "info",
		Debug: "debug",
		Trace: "trace",
	}
	// LvlStrShort is a map for compact versions for use in the printer.
	LvlStrShort = LevelMap{
		Off:   "",
		Fatal: "FTL",
		Error: "ERR",
		Check: "CHK",
		Warn:  "WRN",
		Info:  "INF",
		Debug: "DBG",
		Trace: "TRC",
	}
	lvlColor = map[Level]color.Color{
		Fatal: color.LightRed,
		Error: color.Red,
		Check: color.Yellow,
		Warn:  color.Yellow,
		Info:  color.Green,
		Debug: color.Cyan,
		Trace: color.Gray,
	}
	writerMx sync.Mutex
	logLevel = Info
)

type (
	LevelMap map[Level]string
	// Level is a code representing a scale of importance and context for log
	// entries.
	Level int32
	// Println prints lists of interfaces with spaces in between
	Println func(a ...any)
	// Printf prints like fmt.Println surrounded by log details
	Printf func(format string, a ...any)
	// Prints prints a spew.Sdump for an interface slice
	Prints func(a ...any)
	// Printc accepts a function so that the extra computation can be avoided if
	// it is not being viewed
	Printc func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Errorf logs a formatted error and returns it
	Errorf func(format string, a ...any) error
	// LevelPrinter defines a set of terminal printing primitives that output
	// with extra data, time, level, and code location
	LevelPrinter struct {
		Ln Println
		F  Printf
		S  Prints
		C  Printc
		// Chk prints the error if it is not nil and returns true
		Chk Chk
		// Err creates an error with fmt.Errorf semantics and logs it
		Err Errorf
	}
	// Log is a set of log printers for the various Level items.
	Log struct {
		F, E, W, I, D, T LevelPrinter
	}
	// Checker is the set of error checkers for each Level.
	Checker struct {
		F, E, W, I, D, T Chk
	}
)

// New returns a Log and Checker that print to w. An optional subsystem name is
// printed in front of each entry.
func New(w io.Writer, subsystem ...string) (l *Log, c *Checker) {
	var sub string
	if len(subsystem) > 0 {
		sub = subsystem[0]
	}
	if w == nil {
		w = os.Stderr
	}
	l = &Log{
		F: getOnePrinter(w, sub, Fatal),
		E: getOnePrinter(w, sub, Error),
		W: getOnePrinter(w, sub, Warn),
		I: getOnePrinter(w, sub, Info),
		D: getOnePrinter(w, sub, Debug),
		T: getOnePrinter(w, sub, Trace),
	}
	c = &Checker{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func init() {
	switch strings.ToUpper(os.Getenv("GODEBUG")) {
	case "1", "TRUE", "ON", "DEBUG":
		SetLogLevel(Debug)
	case "TRACE":
		SetLogLevel(Trace)
	case "WARN":
		SetLogLevel(Warn)
	case "ERROR":
		SetLogLevel(Error)
	case "FATAL":
		SetLogLevel(Fatal)
	case "0", "OFF", "FALSE":
		SetLogLevel(Off)
	}
}

// SetLogLevel sets the level below which entries are not printed.
func SetLogLevel(l Level) {
	writerMx.Lock()
	defer writerMx.Unlock()
	logLevel = l
}

// GetLogLevel returns the current log level.
func GetLogLevel() (l Level) {
	writerMx.Lock()
	defer writerMx.Unlock()
	l = logLevel
	return
}

// GetLevel converts a level name (long or short form) into a Level. Unknown
// names return Info.
func GetLevel(name string) Level {
	name = strings.ToLower(strings.TrimSpace(name))
	for lvl, s := range LvlStr {
		if s == name || strings.ToLower(LvlStrShort[lvl]) == name {
			return lvl
		}
	}
	return Info
}

func (l LevelMap) String() (s string) {
	ss := make([]string, 0, len(l))
	for i := Off; i <= Trace; i++ {
		ss = append(ss, strings.TrimSpace(l[i]))
	}
	return strings.Join(ss, " ")
}

func getOnePrinter(w io.Writer, sub string, level Level) LevelPrinter {
	p := printer{w: w, sub: sub, level: level}
	return LevelPrinter{
		Ln:  p.ln,
		F:   p.f,
		S:   p.s,
		C:   p.c,
		Chk: p.chk,
		Err: p.err,
	}
}

type printer struct {
	w     io.Writer
	sub   string
	level Level
}

func (p printer) ln(a ...any) {
	p.print(func() string { return backticksToSingleQuote(joinStrings(" ", a...)) })
}

func (p printer) f(format string, a ...any) {
	p.print(func() string { return fmt.Sprintf(format, a...) })
}

func (p printer) s(a ...any) {
	text := "spew:\n"
	if len(a) > 0 {
		if s, ok := a[0].(string); ok {
			text = strings.TrimSpace(s) + "\n"
			a = a[1:]
		}
	}
	p.print(func() string { return backticksToSingleQuote(text + spew.Sdump(a...)) })
}

func (p printer) c(closure func() string) { p.print(closure) }

func (p printer) chk(e error) (is bool) {
	if e != nil {
		p.print(func() string { return joinStrings(" ", "CHECK:", e) })
		is = true
	}
	return
}

func (p printer) err(format string, a ...any) (err error) {
	err = fmt.Errorf(format, a...)
	p.print(err.Error)
	return
}

// print is the generic log printing function that provides the base format
// for log entries.
func (p printer) print(text func() string) {
	writerMx.Lock()
	defer writerMx.Unlock()
	if p.level > logLevel {
		return
	}
	tag := LvlStrShort[p.level]
	if c, ok := lvlColor[p.level]; ok {
		tag = c.Sprint(tag)
	}
	sub := ""
	if p.sub != "" {
		sub = p.sub + " "
	}
	_, _ = fmt.Fprintf(p.w, "%s %s %s`%s` %s\n",
		UnixNanoAsFloat(), tag, sub, text(), getLoc(3))
}

// getLoc calls runtime.Caller to get the path of the calling source code file.
func getLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	return fmt.Sprint(file, ":", line)
}

func backticksToSingleQuote(in string) string {
	return strings.ReplaceAll(in, "`", "'")
}

// joinStrings constructs a string from a slice of interface same as Println
// but without the terminal newline
func joinStrings(sep string, a ...any) (o string) {
	for i := range a {
		o += fmt.Sprint(a[i])
		if i < len(a)-1 {
			o += sep
		}
	}
	return
}

// UnixNanoAsFloat renders the current time as seconds with a nanosecond
// fraction.
func UnixNanoAsFloat() (s string) {
	timeText := fmt.Sprint(time.Now().UnixNano())
	lt := len(timeText)
	lb := lt + 1
	var timeBytes = make([]byte, lb)
	copy(timeBytes[lb-9:lb], timeText[lt-9:lt])
	timeBytes[lb-10] = '.'
	lb -= 10
	lt -= 9
	copy(timeBytes[:lb], timeText[:lt])
	return string(timeBytes)
}
