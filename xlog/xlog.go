// Package xlog is a user-defined log, include multi-level highlight support, output redirection support
package xlog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

var colorMap = map[string]int{
	"red":       31,
	"green":     32,
	"yellow":    33,
	"blue":      34,
	"purple":    35,
	"darkgreen": 36,
	"white":     37,
}

func getPatternMono(word, color string) string {
	return fmt.Sprintf("\x1b[%dm%s \x1b[0m", colorMap[color], word)
}

func getPatternMix(word, foreground, background string) string {
	return fmt.Sprintf("\x1b[%d;%dm%s \x1b[0m", colorMap[background], colorMap[foreground], word)
}

var (
	normalLog = log.New(os.Stdout, getPatternMono("[Normal]", "white"), log.LstdFlags)
	errorLog  = log.New(os.Stdout, getPatternMono("[Error]", "red"), log.LstdFlags)
	infoLog   = log.New(os.Stdout, getPatternMono("[Info]", "blue"), log.LstdFlags)
	fatalLog  = log.New(os.Stdout, getPatternMix("[Fatal]", "purple", "white"), log.LstdFlags)

	loggers = []*log.Logger{normalLog, errorLog, infoLog, fatalLog}
	mu      sync.Mutex
)

//log alias
var (
	Println = normalLog.Println
	Print   = normalLog.Print
	Printf  = normalLog.Printf

	Errorln = errorLog.Println
	Error   = errorLog.Print
	Errorf  = errorLog.Printf

	Infoln = infoLog.Println
	Infof  = infoLog.Printf
	Info   = infoLog.Print

	Fatalln = fatalLog.Fatalln
	Fatalf  = fatalLog.Fatalf
	Fatal   = fatalLog.Fatal
)

//log levels
const (
	InfoLevel = iota
	ErrorLevel
	Disabled
)

//SetLevel controls which levels reach w; levels below the threshold are discarded.
func SetLevel(level int, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if w == nil {
		w = os.Stdout
	}
	for _, logger := range loggers {
		logger.SetOutput(w)
	}
	if InfoLevel < level {
		infoLog.SetOutput(ioutil.Discard)
	}
	if ErrorLevel < level {
		errorLog.SetOutput(ioutil.Discard)
	}
}

// Logger prefixes every line with its bound fields, the way the original
// C source's scr_dbg/scr_err prefix every diagnostic with the emitting rank.
type Logger struct {
	fields []string
}

//New returns a Logger with no bound fields.
func New() *Logger {
	return &Logger{}
}

//WithField returns a derived Logger that also prefixes key=value.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

//WithFields returns a derived Logger that prefixes all key=value pairs, sorted by key.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	next := make([]string, 0, len(l.fields)+len(fields))
	next = append(next, l.fields...)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		next = append(next, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return &Logger{fields: next}
}

func (l *Logger) prefix() string {
	if len(l.fields) == 0 {
		return ""
	}
	return "[" + strings.Join(l.fields, " ") + "] "
}

func (l *Logger) Info(args ...interface{})                 { Infoln(l.prefix() + fmt.Sprint(args...)) }
func (l *Logger) Infof(format string, args ...interface{}) { Infoln(l.prefix() + fmt.Sprintf(format, args...)) }
func (l *Logger) Error(args ...interface{})                 { Errorln(l.prefix() + fmt.Sprint(args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { Errorln(l.prefix() + fmt.Sprintf(format, args...)) }
