// Package traceback recognizes stack traces in command output.
package traceback

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one entry of a stack trace.
type Frame struct {
	Filepath string `json:"filepath"`
	Lineno   int    `json:"lineno"`
	Function string `json:"function"`
	Code     string `json:"code,omitempty"`
}

// Traceback is a parsed stack trace. Frames are ordered outermost first.
type Traceback struct {
	Language string  `json:"language"`
	Message  string  `json:"message"`
	Frames   []Frame `json:"frames"`
	Full     string  `json:"full_traceback"`
}

// Parser extracts a traceback from output, returning nil when there is none.
type Parser func(output string) *Traceback

// Parsers are tried in order by Find.
var Parsers = []Parser{ParsePython, ParseJavaScript, ParseGo}

// Find returns the first traceback any parser recognizes.
func Find(output string) *Traceback {
	for _, parse := range Parsers {
		if tb := parse(output); tb != nil {
			return tb
		}
	}
	return nil
}

var (
	pythonHeader = "Traceback (most recent call last):"
	pythonFrame  = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+), in (.+)$`)
	pythonError  = regexp.MustCompile(`^[A-Za-z_][\w.]*(Error|Exception|Exit|Interrupt|Warning)\b.*$`)
)

// ParsePython recognizes CPython tracebacks. When several are chained the
// last one wins.
func ParsePython(output string) *Traceback {
	start := strings.LastIndex(output, pythonHeader)
	if start < 0 {
		return nil
	}
	lines := strings.Split(output[start:], "\n")

	tb := &Traceback{Language: "python"}
	end := len(lines)
	for i := 1; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if m := pythonFrame.FindStringSubmatch(line); m != nil {
			lineno, _ := strconv.Atoi(m[2])
			frame := Frame{Filepath: m[1], Lineno: lineno, Function: strings.TrimSpace(m[3])}
			if i+1 < len(lines) && !pythonFrame.MatchString(lines[i+1]) && strings.HasPrefix(lines[i+1], "    ") {
				frame.Code = strings.TrimSpace(lines[i+1])
				i++
			}
			tb.Frames = append(tb.Frames, frame)
			continue
		}
		if strings.HasPrefix(line, " ") || strings.TrimSpace(line) == "" {
			continue
		}
		if pythonError.MatchString(line) || len(tb.Frames) > 0 {
			tb.Message = strings.TrimSpace(line)
			end = i + 1
			break
		}
	}
	if len(tb.Frames) == 0 {
		return nil
	}
	tb.Full = strings.TrimRight(strings.Join(lines[:end], "\n"), "\n")
	return tb
}

var (
	jsError = regexp.MustCompile(`^(?:Uncaught )?([A-Z]\w*(?:Error|Exception)|Error)(?::\s*(.*))?$`)
	// at fn (file:line:col) | at file:line:col
	jsFrame = regexp.MustCompile(`^\s+at (?:(.+?) \()?(.+?):(\d+):\d+\)?$`)
)

// ParseJavaScript recognizes V8 style stack traces as printed by node.
func ParseJavaScript(output string) *Traceback {
	lines := strings.Split(output, "\n")
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		m := jsError.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil || i+1 >= len(lines) || !jsFrame.MatchString(strings.TrimRight(lines[i+1], "\r")) {
			continue
		}

		tb := &Traceback{Language: "javascript", Message: strings.TrimSpace(line)}
		end := i + 1
		for j := i + 1; j < len(lines); j++ {
			fm := jsFrame.FindStringSubmatch(strings.TrimRight(lines[j], "\r"))
			if fm == nil {
				break
			}
			lineno, _ := strconv.Atoi(fm[3])
			tb.Frames = append(tb.Frames, Frame{Filepath: fm[2], Lineno: lineno, Function: fm[1]})
			end = j + 1
		}
		// node prints innermost first
		for l, r := 0, len(tb.Frames)-1; l < r; l, r = l+1, r-1 {
			tb.Frames[l], tb.Frames[r] = tb.Frames[r], tb.Frames[l]
		}
		tb.Full = strings.Join(lines[i:end], "\n")
		return tb
	}
	return nil
}

var (
	goPanic     = regexp.MustCompile(`^panic: (.*)$`)
	goGoroutine = regexp.MustCompile(`^goroutine \d+ \[.*\]:$`)
	goLocation  = regexp.MustCompile(`^\t(.+\.go):(\d+)(?: \+0x[0-9a-f]+)?$`)
)

// ParseGo recognizes the trace of a panicking goroutine.
func ParseGo(output string) *Traceback {
	lines := strings.Split(output, "\n")
	for i, raw := range lines {
		m := goPanic.FindStringSubmatch(strings.TrimRight(raw, "\r"))
		if m == nil {
			continue
		}

		tb := &Traceback{Language: "go", Message: "panic: " + m[1]}
		j := i + 1
		for j < len(lines) && !goGoroutine.MatchString(strings.TrimRight(lines[j], "\r")) {
			j++
		}
		if j == len(lines) {
			return nil
		}
		end := j + 1
		for k := j + 1; k+1 < len(lines); k += 2 {
			fn := strings.TrimRight(lines[k], "\r")
			loc := goLocation.FindStringSubmatch(strings.TrimRight(lines[k+1], "\r"))
			if fn == "" || loc == nil {
				break
			}
			lineno, _ := strconv.Atoi(loc[2])
			tb.Frames = append(tb.Frames, Frame{Filepath: loc[1], Lineno: lineno, Function: fn})
			end = k + 2
		}
		if len(tb.Frames) == 0 {
			return nil
		}
		for l, r := 0, len(tb.Frames)-1; l < r; l, r = l+1, r-1 {
			tb.Frames[l], tb.Frames[r] = tb.Frames[r], tb.Frames[l]
		}
		tb.Full = strings.Join(lines[i:end], "\n")
		return tb
	}
	return nil
}
