// The lodestoned program is the main Lodestone daemon and is named
// accordingly.
package main

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/lodestone-storage/lodestone/lodestoned"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("no .conf file specified")
	}

	errChan := make(chan error, 1) // Must be buffered to avoid race
	var wg sync.WaitGroup

	// empty signal list (final argument) means "catch all signals" it is
	// possible to catch
	go lodestoned.Daemon(os.Args[1], os.Args[2:], errChan, &wg)

	err := <-errChan
	if nil != err {
		fmt.Fprintf(os.Stderr, "lodestoned: startup failed: %v\n", err)
		os.Exit(1)
	}

	err = <-errChan
	wg.Wait()
	if nil != err {
		fmt.Fprintf(os.Stderr, "lodestoned: shutdown failed: %v\n", err)
		os.Exit(1)
	}
}
