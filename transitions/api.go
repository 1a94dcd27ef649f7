// Package transitions sequences the bring-up and tear-down of the engine's
// packages. Packages register themselves from their init() funcs; Up()
// callbacks are then issued in registration order and Down() callbacks in
// reverse registration order, so a package always comes up after, and goes
// down before, the packages it depends upon.
package transitions

import (
	"github.com/lodestone-storage/lodestone/conf"
)

// Callbacks is implemented by each package taking part in engine bring-up
// and tear-down.
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func. Go's package
// initialization order then guarantees a package registers after its
// dependencies have.
//
// As an example, consider the following:
//
//	package foo
//
//	import "github.com/lodestone-storage/lodestone/conf"
//	import "github.com/lodestone-storage/lodestone/transitions"
//
//	type transitionsCallbackInterfaceStruct struct {
//	}
//
//	var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//	func init() {
//		transitions.Register("foo", &transitionsCallbackInterface)
//	}
//
// A special exception to the need for registration is the package logger.
// Package transitions makes explicit reference to logging functions in
// package logger and, as such, performs the registration for package logger
// itself (first, so logging is available to every other Up() callback).
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up issues the Up() callback to every registered package in registration
// order. Should a callback fail, the packages already up are brought back
// down in reverse order before the error is returned.
func Up(confMap conf.ConfMap) (err error) {
	err = up(confMap)
	return
}

// Down issues the Down() callback to every registered package in reverse
// registration order. All callbacks are attempted; their errors, if any, are
// aggregated.
func Down(confMap conf.ConfMap) (err error) {
	err = down(confMap)
	return
}
