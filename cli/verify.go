package cli

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/digitorus/dss/document"
	"github.com/digitorus/dss/document/zip"
	"github.com/digitorus/dss/revocation"
	"github.com/digitorus/dss/trust"
	"github.com/digitorus/dss/verify"
)

// fileList collects a repeatable file flag.
type fileList []string

func (l *fileList) String() string {
	return strings.Join(*l, ",")
}

func (l *fileList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// VerifyOptions are the settings of the verify command.
type VerifyOptions struct {
	Config      string
	ContentType string
	// OCSP and CRL list files with DER encoded revocation evidence.
	OCSP []string
	CRL  []string
	// Fetch retrieves missing revocation evidence from the responders and
	// distribution points named in the certificates.
	Fetch       bool
	HTTPTimeout time.Duration
}

// Report is the JSON output of the verify command.
type Report struct {
	Signatures []*verify.SignatureInfo `json:"signatures"`
	Omitted    []Omitted               `json:"omitted,omitempty"`
}

// Omitted describes a signature that failed cryptographic verification.
type Omitted struct {
	Index  int           `json:"index"`
	ID     string        `json:"id,omitempty"`
	Reason verify.Reason `json:"reason"`
	Error  string        `json:"error"`
}

func VerifyCommand() {
	verifyFlags := flag.NewFlagSet("verify", flag.ExitOnError)

	var opts VerifyOptions
	var ocspFiles, crlFiles fileList
	var logLevel string
	var debug bool

	verifyFlags.StringVar(&opts.Config, "config", "", "Configuration file (default ./dss.toml when present)")
	verifyFlags.StringVar(&opts.ContentType, "type", zip.ContentType, "Content type of the document")
	verifyFlags.Var(&ocspFiles, "ocsp", "DER encoded OCSP response to use as revocation evidence (repeatable)")
	verifyFlags.Var(&crlFiles, "crl", "DER or PEM encoded CRL to use as revocation evidence (repeatable)")
	verifyFlags.BoolVar(&opts.Fetch, "fetch", false, "Fetch missing revocation evidence over OCSP and CRL")
	verifyFlags.DurationVar(&opts.HTTPTimeout, "http-timeout", 10*time.Second, "Timeout for revocation fetch requests")
	verifyFlags.StringVar(&logLevel, "log-level", "WARNING", "Log level (CRITICAL, ERROR, WARNING, INFO, DEBUG)")
	verifyFlags.BoolVar(&debug, "debug", false, "Enable debug logging")

	verifyFlags.Usage = func() {
		fmt.Printf("Usage: %s verify [options] <document>\n\n", os.Args[0])
		fmt.Println("Verify the signatures of a document and print them as JSON")
		fmt.Println("\nOptions:")
		verifyFlags.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Printf("  %s verify package.zip\n", os.Args[0])
		fmt.Printf("  %s verify -config dss.toml -ocsp leaf.ocsp -crl ca.crl package.zip\n", os.Args[0])
		fmt.Printf("  %s verify -fetch -http-timeout=30s package.zip\n", os.Args[0])
	}

	if err := verifyFlags.Parse(os.Args[2:]); err != nil {
		fmt.Printf("Failed to parse verify flags: %v\n", err)
		osExit(1)
		return
	}

	if len(verifyFlags.Args()) < 1 {
		verifyFlags.Usage()
		osExit(1)
		return
	}

	if err := setLogLevel(logLevel, debug); err != nil {
		fmt.Println(err)
		osExit(1)
		return
	}

	opts.OCSP, opts.CRL = ocspFiles, crlFiles
	if err := VerifyDocument(verifyFlags.Arg(0), opts); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}

// VerifyDocument verifies the document at input and writes a Report.
func VerifyDocument(input string, opts VerifyOptions) error {
	doc, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	engine, err := openEngine(opts.Config)
	if err != nil {
		return err
	}
	if opts.ContentType == "" {
		opts.ContentType = zip.ContentType
	}
	svc, err := engine.Service(opts.ContentType)
	if err != nil {
		return err
	}
	ev, err := loadEvidence(opts.OCSP, opts.CRL)
	if err != nil {
		return err
	}

	report, err := buildReport(svc, doc, ev)
	if err != nil {
		return err
	}
	if opts.Fetch {
		f := &revocation.Fetcher{Timeout: opts.HTTPTimeout}
		if fetched := fetchEvidence(context.Background(), f, engine.Anchors, report); fetched.Len() > 0 {
			if report, err = buildReport(svc, doc, ev.Merge(fetched)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(data))
	return err
}

// resultsService is implemented by document services that report omitted
// signatures.
type resultsService interface {
	Results(doc []byte, opts ...verify.Option) ([]verify.Result, error)
}

func buildReport(svc document.Service, doc []byte, ev revocation.Evidence) (*Report, error) {
	rs, ok := svc.(resultsService)
	if !ok {
		infos, err := svc.VerifySignatures(doc, verify.WithEvidence(ev))
		if err != nil {
			return nil, err
		}
		return &Report{Signatures: infos}, nil
	}

	results, err := rs.Results(doc, verify.WithEvidence(ev))
	if err != nil {
		return nil, err
	}
	report := &Report{Signatures: verify.Accepted(results)}
	for _, r := range results {
		if r.Accepted() {
			continue
		}
		report.Omitted = append(report.Omitted, Omitted{
			Index:  r.Index,
			ID:     r.ID,
			Reason: r.Reason,
			Error:  r.Err.Error(),
		})
	}
	return report, nil
}

// fetchEvidence collects evidence for the chains of signatures that lacked
// it. Fetch failures are logged; whatever was retrieved is returned.
func fetchEvidence(ctx context.Context, f *revocation.Fetcher, anchors *trust.Anchors, report *Report) revocation.Evidence {
	var ev revocation.Evidence
	for _, info := range report.Signatures {
		if info.TrustReason != verify.ReasonNoRevocationData {
			continue
		}
		chain := make([]*x509.Certificate, 0, len(info.Certificates))
		for _, c := range info.Certificates {
			chain = append(chain, c.Certificate)
		}
		if anchors != nil {
			chain = append(chain, anchors.Signing...)
		}
		fetched, err := f.Collect(ctx, chain)
		if err != nil {
			logger.Warnf("incomplete revocation evidence for %s: %v", info.SignerName, err)
		}
		ev = ev.Merge(fetched)
	}
	logger.Debugf("fetched %d revocation responses", ev.Len())
	return ev
}

func loadEvidence(ocspFiles, crlFiles []string) (revocation.Evidence, error) {
	var ev revocation.Evidence
	for _, name := range ocspFiles {
		data, err := os.ReadFile(name)
		if err != nil {
			return ev, fmt.Errorf("failed to read OCSP response: %w", err)
		}
		ev.AddOCSP(data)
	}
	for _, name := range crlFiles {
		data, err := os.ReadFile(name)
		if err != nil {
			return ev, fmt.Errorf("failed to read CRL: %w", err)
		}
		if block, _ := pem.Decode(data); block != nil && block.Type == "X509 CRL" {
			data = block.Bytes
		}
		ev.AddCRL(data)
	}
	return ev, nil
}
