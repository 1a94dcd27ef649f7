package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/lodestone-storage/lodestone/conf"
)

// multiWriter fans each log entry out to all registered io.Writer.
type multiWriter struct {
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.writers = append(mw.writers, writer)
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}
	return len(p), nil
}

var logTargets multiWriter

var logFile *os.File = nil

func addLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
	log.SetOutput(&logTargets)
}

// Up initializes the logging package per the supplied confMap.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	// Fetch log file info, if provided
	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
	}

	// Determine whether we should log to console. Default is false.
	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
	}

	logTargets = multiWriter{}
	if logFilePath != "" {
		logTargets.addWriter(logFile)
		if logToConsole {
			logTargets.addWriter(os.Stderr)
		}
	} else {
		logTargets.addWriter(os.Stderr)
	}
	log.SetOutput(&logTargets)

	// NOTE: We always enable max logging in logrus, and either decide in
	//       this package whether to log OR log everything and parse it out of
	//       the logs after the fact
	log.SetLevel(log.DebugLevel)

	// Fetch trace and debug log settings, if provided
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	return nil
}

func Down() (err error) {
	// We open and close our own logfile
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	return
}
