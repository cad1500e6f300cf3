// Package cli implements the dss command line tool.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/digitorus/dss"
	"github.com/digitorus/dss/config"
	"github.com/hyperledger/aries-framework-go/component/log"
	spilog "github.com/hyperledger/aries-framework-go/spi/log"
)

var logger = log.New("dss/cli")

// Replaced in tests.
var (
	osExit           = os.Exit
	stdout io.Writer = os.Stdout
)

var modules = []string{"dss/cli", "dss/verify", "dss/xades", "dss/trust"}

// Main dispatches os.Args to a command.
func Main() {
	if len(os.Args) < 2 {
		Usage()
		return
	}

	switch os.Args[1] {
	case "verify":
		VerifyCommand()
	case "view":
		ViewCommand()
	case "check":
		CheckCommand()
	case "-h", "--help", "help":
		Usage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		Usage()
	}
}

func Usage() {
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  verify  Verify the signatures of a document")
	fmt.Println("  view    Render a document for display")
	fmt.Println("  check   Check that a document is acceptable")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	osExit(1)
}

// openEngine builds the engine from the configuration file at path. Without
// a path the default location is used when it exists.
func openEngine(path string) (*dss.Engine, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultLocation); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return dss.New()
			}
			return nil, err
		}
		path = config.DefaultLocation
	}
	return dss.Open(path)
}

// setLogLevel applies a level name such as INFO or DEBUG to all modules. A
// debug flag overrides the name.
func setLogLevel(name string, debug bool) error {
	level, err := log.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	if debug {
		level = spilog.DEBUG
	}
	for _, module := range modules {
		log.SetLevel(module, level)
	}
	return nil
}
