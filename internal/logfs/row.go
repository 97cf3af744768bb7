package logfs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

type rowState int

const (
	stateIdle rowState = iota
	stateRowStarted
)

type rowCall int

const (
	callBegin rowCall = iota
	callData
	callEnd
)

// rowTransition describes how a row call behaves in a given state.
type rowTransition struct {
	autoClose bool // end the open row before the call
	autoOpen  bool // begin a row before the call
	invalid   bool // the call is rejected with ErrInvalidState
	next      rowState
}

// rowTransitions is the row protocol. Beginning a row while one is open
// closes (and commits) the open row first, so no row is ever dropped.
var rowTransitions = [...][3]rowTransition{
	stateIdle: {
		callBegin: {next: stateRowStarted},
		callData:  {autoOpen: true, next: stateRowStarted},
		callEnd:   {invalid: true, next: stateIdle},
	},
	stateRowStarted: {
		callBegin: {autoClose: true, next: stateRowStarted},
		callData:  {next: stateRowStarted},
		callEnd:   {next: stateIdle},
	},
}

// BeginRow starts a new row. If a row is already open it is ended first;
// the new row is begun even when ending the old one reports an error, and
// that error is returned.
func (l *LogFS) BeginRow() error {
	l.lock()
	defer l.unlock()
	return l.beginRow()
}

func (l *LogFS) beginRow() error {
	if err := l.init(); err != nil {
		return err
	}

	var err error
	if rowTransitions[l.state][callBegin].autoClose {
		err = l.endRow()
	}

	for i := range l.columns {
		l.columns[i].value = ""
	}
	l.state = rowTransitions[l.state][callBegin].next
	return err
}

// LogData sets the value of key in the current row, adding the key to the
// schema if it is new. A row is begun implicitly if none is open.
func (l *LogFS) LogData(key, value string) error {
	l.lock()
	defer l.unlock()
	return l.logData(key, value)
}

func (l *LogFS) logData(key, value string) error {
	if err := l.init(); err != nil {
		return err
	}

	t := rowTransitions[l.state][callData]
	if t.autoOpen {
		if err := l.beginRow(); err != nil {
			return err
		}
	}
	l.state = t.next

	key = sanitize(key, l.cfg.InvalidChar, true)
	value = sanitize(value, l.cfg.InvalidChar, true)

	for i := range l.columns {
		if l.columns[i].key == key {
			l.columns[i].value = value
			return nil
		}
	}
	l.addHeading(key, value, false)
	return nil
}

// addHeading adds key to the schema, at the front if head is set. Existing
// keys are left alone.
func (l *LogFS) addHeading(key, value string, head bool) {
	for _, c := range l.columns {
		if c.key == key {
			return
		}
	}

	c := column{key: key, value: value}
	if head {
		l.columns = append([]column{c}, l.columns...)
	} else {
		l.columns = append(l.columns, c)
	}
	l.headingsChanged = true
}

// EndRow commits the current row. A heading line is written first if the
// schema changed. It returns an error matching fserr.ErrNoResources if the
// log is full, after committing whatever still fitted.
func (l *LogFS) EndRow() error {
	l.lock()
	defer l.unlock()
	return l.endRow()
}

func (l *LogFS) endRow() error {
	t := rowTransitions[l.state][callEnd]
	if t.invalid {
		return fmt.Errorf("end of row without begin: %w", fserr.ErrInvalidState)
	}
	if err := l.init(); err != nil {
		return err
	}
	defer func() { l.state = t.next }()

	if l.timeStampChanged {
		l.timeStampChanged = false
		if l.timeStamp != TimeStampNone {
			l.addHeading(l.timeStampHeading, "", l.dataStart == l.dataEnd)
		}
	}

	hasData := false
	for _, c := range l.columns {
		if c.value != "" {
			hasData = true
			break
		}
	}

	if hasData && l.timeStamp != TimeStampNone {
		if err := l.logData(l.timeStampHeading, l.timeStamp.render(l.cfg.Clock())); err != nil {
			return err
		}
	}

	if l.headingsChanged {
		if err := l.writeHeadings(); err != nil && !errors.Is(err, fserr.ErrNoResources) {
			return err
		}
	}

	row := make([]string, len(l.columns))
	empty := true
	for i, c := range l.columns {
		row[i] = c.value
		if c.value != "" {
			empty = false
		}
	}
	if !empty {
		if err := l.logString(strings.Join(row, ",") + "\n"); err != nil && !errors.Is(err, fserr.ErrNoResources) {
			return err
		}
	}

	if l.status&statusFull != 0 {
		return fmt.Errorf("row not fully logged: %w", fserr.ErrNoResources)
	}
	return nil
}

// writeHeadings replaces the heading line in the metadata block. The old
// line is zeroed in place and the new one written after it, then the line
// is also appended to the data.
func (l *LogFS) writeHeadings() error {
	keys := make([]string, len(l.columns))
	for i, c := range l.columns {
		keys[i] = c.key
	}
	line := strings.Join(keys, ",") + "\n"

	if l.headingStart+l.headingLength+uint32(len(line)) > l.journalStart {
		return l.markFull()
	}

	if l.headingLength > 0 {
		if err := l.cache.Write(l.headingStart, make([]byte, l.headingLength)); err != nil {
			return fmt.Errorf("zero old headings: %w", err)
		}
	}
	l.headingStart += l.headingLength
	if err := l.cache.Write(l.headingStart, []byte(line)); err != nil {
		return fmt.Errorf("write headings: %w", err)
	}
	l.headingLength = uint32(len(line))
	l.headingsChanged = false

	return l.logString(line)
}

// SetTimeStamp selects the timestamp column added to every row. Before any
// data is logged a previously selected timestamp column is replaced.
func (l *LogFS) SetTimeStamp(format TimeStampFormat) error {
	l.lock()
	defer l.unlock()
	return l.setTimeStamp(format)
}

func (l *LogFS) setTimeStamp(format TimeStampFormat) error {
	if !format.valid() {
		return fmt.Errorf("unknown timestamp format %d: %w", int(format), fserr.ErrInvalidParameter)
	}
	if err := l.init(); err != nil {
		return err
	}
	if format == TimeStampNone && l.timeStamp == TimeStampNone {
		return nil
	}

	heading := format.Heading()

	if l.dataStart == l.dataEnd && len(l.columns) > 0 {
		if l.columns[0].key == heading {
			return nil
		}
		if l.timeStamp != TimeStampNone && l.columns[0].key == l.timeStampHeading {
			l.columns = l.columns[1:]
			l.headingsChanged = true
		}
	}

	l.timeStamp = format
	l.timeStampHeading = heading
	l.timeStampChanged = true
	return nil
}

// TimeStampFormat is the unit of the timestamp column. Its value divides
// the milliseconds since boot.
type TimeStampFormat int

const (
	TimeStampNone         TimeStampFormat = 0
	TimeStampMilliseconds TimeStampFormat = 1
	TimeStampSeconds      TimeStampFormat = 10
	TimeStampMinutes      TimeStampFormat = 600
	TimeStampHours        TimeStampFormat = 36000
	TimeStampDays         TimeStampFormat = 864000
)

var timeStampUnits = map[TimeStampFormat]string{
	TimeStampNone:         "none",
	TimeStampMilliseconds: "milliseconds",
	TimeStampSeconds:      "seconds",
	TimeStampMinutes:      "minutes",
	TimeStampHours:        "hours",
	TimeStampDays:         "days",
}

// ParseTimeStampFormat accepts a unit name such as "seconds".
func ParseTimeStampFormat(s string) (TimeStampFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "off" {
		return TimeStampNone, nil
	}
	if s == "ms" {
		return TimeStampMilliseconds, nil
	}
	for f, name := range timeStampUnits {
		if name == s || name == s+"s" {
			return f, nil
		}
	}
	return TimeStampNone, fmt.Errorf("unknown timestamp unit %q: %w", s, fserr.ErrInvalidParameter)
}

func (f TimeStampFormat) valid() bool {
	_, ok := timeStampUnits[f]
	return ok
}

func (f TimeStampFormat) String() string {
	if name, ok := timeStampUnits[f]; ok {
		return name
	}
	return strconv.Itoa(int(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f TimeStampFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Heading returns the column title, e.g. "Time (seconds)".
func (f TimeStampFormat) Heading() string {
	if f == TimeStampNone {
		return "Time ()"
	}
	return "Time (" + timeStampUnits[f] + ")"
}

// render formats the time since boot in this unit. Units coarser than
// milliseconds carry two decimal places.
func (f TimeStampFormat) render(sinceBoot time.Duration) string {
	ms := sinceBoot.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	t := uint64(ms) / uint64(f)
	if f == TimeStampMilliseconds {
		return strconv.FormatUint(t, 10)
	}
	return fmt.Sprintf("%d.%02d", t/100, t%100)
}
