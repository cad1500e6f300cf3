package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/digitorus/dss/document/zip"
)

func ViewCommand() {
	viewFlags := flag.NewFlagSet("view", flag.ExitOnError)

	var configPath, contentType, lang, output string
	viewFlags.StringVar(&configPath, "config", "", "Configuration file (default ./dss.toml when present)")
	viewFlags.StringVar(&contentType, "type", zip.ContentType, "Content type of the document")
	viewFlags.StringVar(&lang, "lang", "en", "Preferred languages, as in an Accept-Language header")
	viewFlags.StringVar(&output, "o", "", "Write the rendering to this file instead of stdout")

	viewFlags.Usage = func() {
		fmt.Printf("Usage: %s view [options] <document>\n\n", os.Args[0])
		fmt.Println("Render a document for display")
		fmt.Println("\nOptions:")
		viewFlags.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Printf("  %s view -lang nl package.zip\n", os.Args[0])
		fmt.Printf("  %s view -o listing.html package.zip\n", os.Args[0])
	}

	if err := viewFlags.Parse(os.Args[2:]); err != nil {
		fmt.Printf("Failed to parse view flags: %v\n", err)
		osExit(1)
		return
	}
	if len(viewFlags.Args()) < 1 {
		viewFlags.Usage()
		osExit(1)
		return
	}

	if err := ViewDocument(viewFlags.Arg(0), configPath, contentType, lang, output); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}

// ViewDocument renders the document at input to output, or to stdout when
// output is empty.
func ViewDocument(input, configPath, contentType, lang, output string) error {
	doc, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	engine, err := openEngine(configPath)
	if err != nil {
		return err
	}
	svc, err := engine.Service(contentType)
	if err != nil {
		return err
	}
	v, err := svc.VisualizeDocument(doc, lang)
	if err != nil {
		return err
	}
	if output != "" {
		return os.WriteFile(output, v.Data, 0o644)
	}
	_, err = stdout.Write(v.Data)
	return err
}

func CheckCommand() {
	checkFlags := flag.NewFlagSet("check", flag.ExitOnError)

	var configPath, contentType string
	checkFlags.StringVar(&configPath, "config", "", "Configuration file (default ./dss.toml when present)")
	checkFlags.StringVar(&contentType, "type", zip.ContentType, "Content type of the document")

	checkFlags.Usage = func() {
		fmt.Printf("Usage: %s check [options] <document>...\n\n", os.Args[0])
		fmt.Println("Check that documents are well formed before they are accepted")
		fmt.Println("\nOptions:")
		checkFlags.PrintDefaults()
	}

	if err := checkFlags.Parse(os.Args[2:]); err != nil {
		fmt.Printf("Failed to parse check flags: %v\n", err)
		osExit(1)
		return
	}
	if len(checkFlags.Args()) < 1 {
		checkFlags.Usage()
		osExit(1)
		return
	}

	engine, err := openEngine(configPath)
	if err != nil {
		fmt.Println(err)
		osExit(1)
		return
	}
	svc, err := engine.Service(contentType)
	if err != nil {
		fmt.Println(err)
		osExit(1)
		return
	}

	failed := false
	for _, input := range checkFlags.Args() {
		doc, err := os.ReadFile(input)
		if err == nil {
			err = svc.CheckIncomingDocument(doc)
		}
		if err != nil {
			failed = true
			fmt.Fprintf(stdout, "%s: %v\n", input, err)
			continue
		}
		fmt.Fprintf(stdout, "%s: ok\n", input)
	}
	if failed {
		osExit(1)
	}
}
