package logger

import (
	"fmt"
	"regexp"
)

// Fields that the text formatter emits for each log entry.  The msg field is
// quoted by the formatter, so newlines in the message appear as the two
// characters '\' 'n'.
var (
	entryFieldRE = regexp.MustCompile(
		`time="(?P<time>[^"]*)" level=(?P<level>[a-z]+) msg="(?P<msg>(?:[^"\\]|\\.)*)"`)
	entryFunctionRE  = regexp.MustCompile(` function=(?P<function>[A-Za-z0-9_.()]+)`)
	entryPackageRE   = regexp.MustCompile(` package=(?P<package>[A-Za-z0-9_]+)`)
	entryGoroutineRE = regexp.MustCompile(` goroutine=(?P<goroutine>[0-9]+)`)
)

// ParseLogEntry parses one log entry as generated by this package into a map
// of field name to value.  The fields always present are "time", "level", and
// "msg"; "function", "package", and "goroutine" are added when the entry has
// them.
//
// It returns an error if the entry cannot be parsed.
func ParseLogEntry(entry string) (fields map[string]string, err error) {
	matches := entryFieldRE.FindStringSubmatch(entry)
	if matches == nil {
		err = fmt.Errorf("could not parse log entry '%s'", entry)
		return
	}

	fields = make(map[string]string)
	for i, name := range entryFieldRE.SubexpNames() {
		if name != "" {
			fields[name] = matches[i]
		}
	}

	if matches = entryFunctionRE.FindStringSubmatch(entry); matches != nil {
		fields["function"] = matches[1]
	}
	if matches = entryPackageRE.FindStringSubmatch(entry); matches != nil {
		fields["package"] = matches[1]
	}
	if matches = entryGoroutineRE.FindStringSubmatch(entry); matches != nil {
		fields["goroutine"] = matches[1]
	}

	err = nil
	return
}

// ParseLogForFunc scans the most recent maxEntries entries captured in
// logcopy, newest first, looking for an entry logged by function funcName
// whose msg matches msgRE.  On a match it returns the named submatches of
// msgRE merged with the entry's own fields.
//
// This is a test helper; production code has no business grepping its own log.
func ParseLogForFunc(logcopy LogTarget, funcName string, msgRE *regexp.Regexp, maxEntries int) (fields map[string]string, entryIdx int, err error) {
	if nil == logcopy.LogBuf {
		err = fmt.Errorf("ParseLogForFunc(): logcopy has not been initialized")
		return
	}

	if maxEntries > len(logcopy.LogBuf.LogEntries) {
		maxEntries = len(logcopy.LogBuf.LogEntries)
	}

	for entryIdx = 0; entryIdx < maxEntries; entryIdx++ {
		entry := logcopy.LogBuf.LogEntries[entryIdx]
		if "" == entry {
			break
		}

		fields, err = ParseLogEntry(entry)
		if nil != err {
			continue
		}

		if fields["function"] != funcName {
			continue
		}

		msgMatches := msgRE.FindStringSubmatch(fields["msg"])
		if msgMatches == nil {
			continue
		}

		for i, name := range msgRE.SubexpNames() {
			if name != "" {
				fields[name] = msgMatches[i]
			}
		}

		err = nil
		return
	}

	fields = nil
	err = fmt.Errorf("ParseLogForFunc(): no log entry for function '%s' matching '%s' in %d entries",
		funcName, msgRE.String(), maxEntries)
	return
}
