// Package utils provides miscellaneous utilities for Lodestone.
package utils

import (
	"bytes"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

// DivideUp returns the quotient of x over y rounded toward positive infinity.
// It panics if y is zero.
func DivideUp(x uint64, y uint64) (q uint64) {
	if 0 == y {
		panic("DivideUp() called with zero divisor")
	}
	q = (x + y - 1) / y
	return
}

// Logging the goroutine context can be useful when trying to debug things
// like locking, so we dig the goroutine id out of the stack header.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	return StackTraceToGoId(b)
}

// StackTraceToGoId parses the goroutine id out of a stack trace returned by
// runtime.Stack(), which starts "goroutine NNN [".
func StackTraceToGoId(buf []byte) uint64 {
	b := bytes.TrimPrefix(buf, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// Return a string containing calling function and package
func GetAFnName(level int) string {
	// Get the PC and file for the level requested, adding one level to skip this function
	pc, _, _, _ := runtime.Caller(level + 1)
	// Retrieve a Function object this functions parent
	functionObject := runtime.FuncForPC(pc)
	// Regex to extract just the package and function name (and not the module path)
	extractFnName := regexp.MustCompile(`[^\/]*$`)
	return extractFnName.FindString(functionObject.Name())
}

// Return separate strings containing calling function, package, and goroutine id
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	// Get the combined function and package names of our caller
	funcPkg := GetAFnName(level + 1)

	// Regex to extract the package name (beginning of string to first ".")
	extractPkgName := regexp.MustCompile(`^[^.]*`)
	pkg = extractPkgName.FindString(funcPkg)

	// Regex to extract the function name (end of string to last ".")
	extractFnName := regexp.MustCompile(`[^.]*$`)
	fn = extractFnName.FindString(funcPkg)

	gid = GetGID()

	return fn, pkg, gid
}

// GetFnName returns a string containing the name of the running function and its package.
// This can be useful for debug prints.
func GetFnName() string {
	// Skip this function, and fetch the PC and file for its parent
	return GetAFnName(1)
}

// GetCallerFnName returns a string containing the name of the calling function.
// This can be useful for debug prints.
func GetCallerFnName() string {
	// Skip this function and its caller, and fetch the PC and file for its (grand)parent
	return GetAFnName(2)
}

func Uint64ToHexStr(value uint64) string {
	return fmt.Sprintf("%016X", value)
}

func HexStrToUint64(value string) (uint64, error) {
	return strconv.ParseUint(value, 16, 64)
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()
	sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
	sw.IsRunning = false
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if sw.IsRunning {
		return time.Since(sw.StartTime)
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) ElapsedMs() int64 {
	return int64(sw.Elapsed() / time.Millisecond)
}

func (sw *Stopwatch) ElapsedUs() int64 {
	return int64(sw.Elapsed() / time.Microsecond)
}

func (sw *Stopwatch) ElapsedMsString() string {
	return strconv.FormatInt(sw.ElapsedMs(), 10)
}
